package channel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single occurrence published on the Bus: either a frame decoded
// from the transport or a locally synthesized lifecycle event.
type Event struct {
	Name       string
	Data       json.RawMessage
	ServerTS   time.Time // zero if the frame carried no timestamp
	ReceivedAt time.Time
	Epoch      uuid.UUID // connection epoch the event arrived on; Nil for local events
}

// Handler receives published events. Handlers run sequentially on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Subscription is a handle to a registered handler. Dropping the handle
// without calling Unsubscribe leaks the handler.
type Subscription struct {
	bus   *Bus
	event string
	token uuid.UUID
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if handlers, ok := s.bus.handlers[s.event]; ok {
		delete(handlers, s.token)
		if len(handlers) == 0 {
			delete(s.bus.handlers, s.event)
		}
	}
}

// Bus is a local publish/subscribe registry keyed by event name.
// Registration is independent of transport state.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uuid.UUID]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[uuid.UUID]Handler),
	}
}

// Subscribe registers a handler for an event name and returns the
// unsubscribe handle.
func (b *Bus) Subscribe(event string, h Handler) *Subscription {
	token := uuid.New()

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.handlers[event]
	if !ok {
		handlers = make(map[uuid.UUID]Handler)
		b.handlers[event] = handlers
	}
	handlers[token] = h

	return &Subscription{bus: b, event: event, token: token}
}

// Publish delivers an event to all handlers registered for its name.
// Delivery order across handlers is unspecified; events published from a
// single goroutine reach each handler in publish order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[ev.Name]))
	for _, h := range b.handlers[ev.Name] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}

// HandlerCount reports the number of handlers registered for an event name.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
