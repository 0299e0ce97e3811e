// archiver maintains a persistent connection to the realtime gateway and
// archives a user's notifications into Postgres.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/config"
	"github.com/hireloop/realtime/internal/lifecycle"
	"github.com/hireloop/realtime/internal/metrics"
	"github.com/hireloop/realtime/internal/notify"
	"github.com/hireloop/realtime/internal/store"
	"github.com/hireloop/realtime/internal/subscription"
	"github.com/hireloop/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/archiver.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting archiver",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"gateway_url", cfg.Realtime.URL,
		"user_id", cfg.Notifications.UserID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := store.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sink := store.NewPGSink(pool)
	if err := sink.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	logger.Info("database connected")

	// Composition root for the realtime layer.
	bus := channel.NewBus()

	mgrCfg := lifecycle.Config{
		URL:                  cfg.Realtime.URL,
		HandshakeTimeout:     cfg.Realtime.HandshakeTimeout,
		AckTimeout:           cfg.Realtime.AckTimeout,
		WriteTimeout:         cfg.Realtime.WriteTimeout,
		PingInterval:         cfg.Realtime.PingInterval,
		PingTimeout:          cfg.Realtime.PingTimeout,
		BufferSize:           cfg.Realtime.BufferSize,
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Realtime.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.Realtime.ReconnectMaxAttempts,
	}
	mgr := lifecycle.NewManager(mgrCfg, bus, logger)

	tracker := subscription.NewTracker(mgr, bus, logger)
	defer tracker.Close()

	adapter := notify.NewAdapter(sink, bus, logger)
	defer adapter.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer, mgr, adapter); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Exhausted reconnects are terminal; exit so the supervisor restarts us.
	exhaustedSub := bus.Subscribe(lifecycle.EventStateChange, func(ev channel.Event) {
		var change lifecycle.StateChange
		if err := json.Unmarshal(ev.Data, &change); err != nil {
			return
		}
		if change.From == lifecycle.StateReconnecting.String() &&
			change.To == lifecycle.StateDisconnected.String() {
			logger.Error("connection lost permanently")
			cancel()
		}
	})
	defer exhaustedSub.Unsubscribe()

	// Health and metrics server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(cfg.Metrics.Path, pool, mgr, adapter),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("connecting to gateway", "url", cfg.Realtime.URL)
	if err := mgr.Connect(ctx, cfg.Realtime.Credential); err != nil {
		logger.Error("failed to connect to gateway", "error", err)
		os.Exit(1)
	}

	if err := tracker.Join(ctx, subscription.KindNotifications, cfg.Notifications.UserID); err != nil {
		logger.Error("failed to join notification channel", "error", err)
		os.Exit(1)
	}

	logger.Info("archiver running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	mgr.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("archiver stopped")
}

// createHealthHandler creates the HTTP handler for health checks and metrics.
func createHealthHandler(metricsPath string, pool interface {
	Ping(ctx context.Context) error
}, mgr *lifecycle.Manager, adapter *notify.Adapter) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		state := mgr.State()
		health.Components["connection"] = map[string]any{
			"state":      state.String(),
			"reconnects": mgr.Reconnects(),
		}
		if state != lifecycle.StateConnected {
			health.Status = "degraded"
		}

		stats := adapter.Stats()
		health.Components["delivery"] = map[string]any{
			"delivered":  stats.TotalCount,
			"unread":     stats.UnreadCount,
			"duplicates": stats.Duplicates,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
