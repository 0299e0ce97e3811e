package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/lifecycle"
	"github.com/hireloop/realtime/internal/wire"
)

// Kind distinguishes the two channel families.
type Kind int

const (
	KindNotifications Kind = iota
	KindChatRoom
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNotifications:
		return "notifications"
	case KindChatRoom:
		return "chat_room"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Key identifies one channel: the user id for notifications, the room id
// for chat rooms.
type Key struct {
	Kind Kind
	ID   int64
}

// Membership is a tracked channel the client believes it has joined.
type Membership struct {
	Key      Key
	JoinedAt time.Time
}

// FailureKind classifies join/leave failures.
type FailureKind int

const (
	// FailNotConnected: the request could not be acknowledged; the intent
	// is retained and re-asserted on the next reconnect.
	FailNotConnected FailureKind = iota
	// FailRejected: the gateway refused the request; membership is dropped.
	FailRejected
)

// JoinError is a classified join failure.
type JoinError struct {
	Key    Key
	Kind   FailureKind
	Reason string
}

// Error implements error.
func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s/%d: %s", e.Key.Kind, e.Key.ID, e.Reason)
}

// LeaveError is a classified leave failure.
type LeaveError struct {
	Key    Key
	Kind   FailureKind
	Reason string
}

// Error implements error.
func (e *LeaveError) Error() string {
	return fmt.Sprintf("leave %s/%d: %s", e.Key.Kind, e.Key.ID, e.Reason)
}

// Session is the tracker's view of the connection: current state plus the
// manager's current channel handle. The tracker never caches a transport
// reference of its own.
type Session interface {
	State() lifecycle.State
	Call(ctx context.Context, event string, payload any) (wire.Envelope, error)
}

type inflight struct {
	done chan struct{}
	err  error
}

// Tracker maintains the tracked membership set and re-asserts it after
// every transition into Connected.
type Tracker struct {
	session Session
	bus     *channel.Bus
	logger  *slog.Logger

	mu            sync.Mutex
	members       map[Key]Membership
	inflightJoin  map[Key]*inflight
	inflightLeave map[Key]*inflight

	stateSub *channel.Subscription
}

// NewTracker creates a tracker wired to the session's state changes.
func NewTracker(session Session, bus *channel.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		session:       session,
		bus:           bus,
		logger:        logger,
		members:       make(map[Key]Membership),
		inflightJoin:  make(map[Key]*inflight),
		inflightLeave: make(map[Key]*inflight),
	}

	t.stateSub = bus.Subscribe(lifecycle.EventStateChange, t.onStateChange)

	return t
}

// Close detaches the tracker from the bus. Tracked memberships remain.
func (t *Tracker) Close() {
	t.stateSub.Unsubscribe()
}

// Tracked returns the current membership set, ordered by kind then id.
func (t *Tracker) Tracked() []Membership {
	t.mu.Lock()
	out := make([]Membership, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Kind != out[j].Key.Kind {
			return out[i].Key.Kind < out[j].Key.Kind
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out
}

// IsTracked reports whether the channel is in the membership set.
func (t *Tracker) IsTracked(kind Kind, id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[Key{Kind: kind, ID: id}]
	return ok
}

// Join adds the channel to the tracked set and, when connected, asserts
// membership with the gateway. Joining an already-joined channel is a
// no-op success. While not connected the intent is recorded and flushed
// once Connected is reached.
func (t *Tracker) Join(ctx context.Context, kind Kind, id int64) error {
	key := Key{Kind: kind, ID: id}

	t.mu.Lock()
	_, tracked := t.members[key]
	connected := t.session.State() == lifecycle.StateConnected
	if tracked && connected {
		if fl := t.inflightJoin[key]; fl != nil {
			t.mu.Unlock()
			<-fl.done
			return fl.err
		}
		t.mu.Unlock()
		return nil
	}
	if !tracked {
		t.members[key] = Membership{Key: key, JoinedAt: time.Now()}
	}
	t.mu.Unlock()

	if !connected {
		return nil
	}
	return t.joinNow(ctx, key)
}

// Leave removes the channel from the tracked set, cancelling any pending
// re-assertion intent. When not connected this is a local-only removal.
func (t *Tracker) Leave(ctx context.Context, kind Kind, id int64) error {
	key := Key{Kind: kind, ID: id}

	t.mu.Lock()
	if _, tracked := t.members[key]; !tracked {
		t.mu.Unlock()
		return nil
	}
	delete(t.members, key)
	connected := t.session.State() == lifecycle.StateConnected
	if !connected {
		t.mu.Unlock()
		return nil
	}
	if fl := t.inflightLeave[key]; fl != nil {
		t.mu.Unlock()
		<-fl.done
		return fl.err
	}
	fl := &inflight{done: make(chan struct{})}
	t.inflightLeave[key] = fl
	t.mu.Unlock()

	err := t.sendLeave(ctx, key)

	t.mu.Lock()
	delete(t.inflightLeave, key)
	t.mu.Unlock()

	fl.err = err
	close(fl.done)
	return err
}

// joinNow asserts one membership, coalescing concurrent joins for the
// same key into a single in-flight request.
func (t *Tracker) joinNow(ctx context.Context, key Key) error {
	t.mu.Lock()
	if fl := t.inflightJoin[key]; fl != nil {
		t.mu.Unlock()
		<-fl.done
		return fl.err
	}
	fl := &inflight{done: make(chan struct{})}
	t.inflightJoin[key] = fl
	t.mu.Unlock()

	err := t.sendJoin(ctx, key)

	t.mu.Lock()
	delete(t.inflightJoin, key)
	t.mu.Unlock()

	fl.err = err
	close(fl.done)
	return err
}

// sendJoin issues the join request for one key.
func (t *Tracker) sendJoin(ctx context.Context, key Key) error {
	t.mu.Lock()
	_, still := t.members[key]
	t.mu.Unlock()
	if !still {
		// A leave raced the join; nothing to assert.
		return nil
	}

	env, err := t.session.Call(ctx, joinEvent(key), channelParams(key))
	if err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			// Connection fell out from under us; the intent stays
			// tracked and is re-asserted on the next reconnect.
			return nil
		}
		return &JoinError{Key: key, Kind: FailNotConnected, Reason: err.Error()}
	}

	if !env.Success {
		t.mu.Lock()
		delete(t.members, key)
		t.mu.Unlock()
		return &JoinError{Key: key, Kind: FailRejected, Reason: rejectionReason(env)}
	}
	return nil
}

// sendLeave issues the leave request for one key.
func (t *Tracker) sendLeave(ctx context.Context, key Key) error {
	env, err := t.session.Call(ctx, leaveEvent(key), channelParams(key))
	if err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			// Local removal already happened; nothing to cancel server-side.
			return nil
		}
		return &LeaveError{Key: key, Kind: FailNotConnected, Reason: err.Error()}
	}
	if !env.Success {
		return &LeaveError{Key: key, Kind: FailRejected, Reason: rejectionReason(env)}
	}
	return nil
}

// onStateChange re-asserts every tracked membership when the connection
// reaches Connected, whether from a fresh connect or a reconnect.
func (t *Tracker) onStateChange(ev channel.Event) {
	var change lifecycle.StateChange
	if err := json.Unmarshal(ev.Data, &change); err != nil {
		t.logger.Warn("malformed state change", "error", err)
		return
	}
	if change.To != lifecycle.StateConnected.String() {
		return
	}
	go t.reassertAll()
}

// reassertAll re-joins tracked channels, each independently so that one
// failure does not block the others.
func (t *Tracker) reassertAll() {
	memberships := t.Tracked()
	if len(memberships) == 0 {
		return
	}

	t.logger.Info("re-asserting channel memberships", "count", len(memberships))

	for _, m := range memberships {
		go func(key Key) {
			if err := t.joinNow(context.Background(), key); err != nil {
				t.logger.Warn("membership re-assertion failed",
					"kind", key.Kind.String(),
					"id", key.ID,
					"error", err,
				)
			}
		}(m.Key)
	}
}

func joinEvent(key Key) string {
	if key.Kind == KindNotifications {
		return wire.EventJoinNotifications
	}
	return wire.EventJoinChatRoom
}

func leaveEvent(key Key) string {
	if key.Kind == KindNotifications {
		return wire.EventLeaveNotifications
	}
	return wire.EventLeaveChatRoom
}

func channelParams(key Key) any {
	if key.Kind == KindNotifications {
		return wire.JoinNotificationsParams{UserID: key.ID}
	}
	return wire.JoinChatRoomParams{RoomID: key.ID}
}

func rejectionReason(env wire.Envelope) string {
	if env.Error != "" {
		return env.Error
	}
	if env.Message != "" {
		return env.Message
	}
	return "rejected"
}
