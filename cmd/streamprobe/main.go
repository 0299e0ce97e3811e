// streamprobe connects to the realtime gateway and streams inbound events
// to the console.
// Usage: go run ./cmd/streamprobe --url wss://rt.hireloop.local/ws --user 42
//
// Required environment variable:
//
//	HIRELOOP_TOKEN - bearer credential for the gateway
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/lifecycle"
	"github.com/hireloop/realtime/internal/notify"
	"github.com/hireloop/realtime/internal/subscription"
	"github.com/hireloop/realtime/internal/version"
	"github.com/hireloop/realtime/internal/wire"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	userID := flag.Int64("user", 0, "user id whose notification channel to join")
	roomID := flag.Int64("room", 0, "chat room id to join (optional)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	logger.Info("starting streamprobe", "version", version.String())

	credential := os.Getenv("HIRELOOP_TOKEN")
	if credential == "" {
		logger.Error("HIRELOOP_TOKEN is not set")
		os.Exit(1)
	}
	if *userID == 0 {
		logger.Error("--user is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Composition root: one bus, one manager, one tracker, one adapter.
	bus := channel.NewBus()

	mgrCfg := lifecycle.DefaultConfig()
	mgrCfg.URL = *url
	mgr := lifecycle.NewManager(mgrCfg, bus, logger)

	tracker := subscription.NewTracker(mgr, bus, logger)
	defer tracker.Close()

	sink := notify.NewMemorySink()
	adapter := notify.NewAdapter(sink, bus, logger)
	defer adapter.Close()

	// Console printers for events the adapter does not consume.
	msgSub := bus.Subscribe(wire.EventMessageReceived, func(ev channel.Event) {
		if *verbose {
			fmt.Printf("[MESSAGE] %s\n", ev.Data)
			return
		}
		var msg wire.ChatMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		fmt.Printf("[MESSAGE] room=%d sender=%d content=%q\n", msg.RoomID, msg.SenderID, msg.Content)
	})
	defer msgSub.Unsubscribe()

	errSub := bus.Subscribe(wire.EventConnectionError, func(ev channel.Event) {
		fmt.Printf("[CONNECTION ERROR] %s\n", ev.Data)
	})
	defer errSub.Unsubscribe()

	logger.Info("connecting", "url", *url)
	if err := mgr.Connect(ctx, credential); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "socket_id", mgr.SocketID())

	if err := tracker.Join(ctx, subscription.KindNotifications, *userID); err != nil {
		logger.Error("join notifications failed", "error", err)
	}
	if *roomID != 0 {
		if err := tracker.Join(ctx, subscription.KindChatRoom, *roomID); err != nil {
			logger.Error("join chat room failed", "error", err)
		}
	}

	// Periodic liveness check plus stats.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := mgr.Call(ctx, wire.EventPing, nil); err != nil {
					logger.Warn("ping failed", "error", err)
				}
				stats := adapter.Stats()
				logger.Info("stats",
					"state", mgr.State().String(),
					"reconnects", mgr.Reconnects(),
					"tracked", len(tracker.Tracked()),
					"delivered", stats.TotalCount,
					"unread", stats.UnreadCount,
					"duplicates", stats.Duplicates,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Disconnect()
	logger.Info("shutdown complete")
}
