package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/wire"
)

// DeliveryStats are incremental counters adjusted by delivery and by
// explicit server-reported counts, never recomputed by re-scanning the
// sink. UnreadCount can drift when local increments and authoritative
// server overwrites race; the last write by event arrival order wins.
// That is accepted eventual-consistency behavior, not a defect.
type DeliveryStats struct {
	UnreadCount        int
	TotalCount         int
	Duplicates         int
	Rejected           int
	LastNotificationAt time.Time
}

// Adapter decodes inbound notification events and forwards accepted
// records to the sink.
type Adapter struct {
	sink   Sink
	logger *slog.Logger

	mu    sync.Mutex
	stats DeliveryStats

	subs []*channel.Subscription
}

// NewAdapter creates an adapter subscribed to notification events on bus.
func NewAdapter(sink Sink, bus *channel.Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		sink:   sink,
		logger: logger,
	}

	a.subs = append(a.subs,
		bus.Subscribe(wire.EventNotificationReceived, a.onNotification),
		bus.Subscribe(wire.EventNotificationJoinResponse, a.onJoinResponse),
	)

	return a
}

// Close detaches the adapter from the bus.
func (a *Adapter) Close() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
}

// Stats returns a snapshot of the delivery counters.
func (a *Adapter) Stats() DeliveryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// onNotification handles one notification:received event.
func (a *Adapter) onNotification(ev channel.Event) {
	ctx := context.Background()

	var rec wire.NotificationRecord
	if err := json.Unmarshal(ev.Data, &rec); err != nil {
		a.logger.Warn("malformed notification, dropping", "error", err)
		a.countRejected()
		return
	}
	if rec.ID <= 0 {
		a.logger.Warn("notification without id, dropping", "user_id", rec.UserID)
		a.countRejected()
		return
	}

	seen, err := a.sink.Has(ctx, rec.ID)
	if err != nil {
		a.logger.Error("sink lookup failed", "id", rec.ID, "error", err)
		return
	}
	if seen {
		// At-least-once delivery: redelivery after reconnect is expected.
		a.mu.Lock()
		a.stats.Duplicates++
		a.mu.Unlock()
		a.logger.Debug("duplicate notification suppressed", "id", rec.ID)
		return
	}

	if err := a.sink.Store(ctx, rec); err != nil {
		a.logger.Error("sink store failed", "id", rec.ID, "error", err)
		return
	}

	a.mu.Lock()
	a.stats.UnreadCount++
	a.stats.TotalCount++
	a.stats.LastNotificationAt = ev.ReceivedAt
	a.mu.Unlock()

	a.logger.Debug("notification delivered", "id", rec.ID, "user_id", rec.UserID)
}

// onJoinResponse applies the server's authoritative unread count from a
// notification:join_response acknowledgment.
func (a *Adapter) onJoinResponse(ev channel.Event) {
	var env wire.Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		a.logger.Warn("malformed join response", "error", err)
		return
	}
	if !env.Success {
		return
	}

	var data wire.NotificationJoinData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		a.logger.Warn("malformed join response data", "error", err)
		return
	}

	a.mu.Lock()
	a.stats.UnreadCount = data.UnreadCount
	a.mu.Unlock()

	a.logger.Debug("unread count set from server", "unread", data.UnreadCount)
}

func (a *Adapter) countRejected() {
	a.mu.Lock()
	a.stats.Rejected++
	a.mu.Unlock()
}
