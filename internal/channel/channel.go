package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/realtime/internal/wire"
)

// Channel binds one transport epoch to the bus. It decodes inbound frames,
// publishes them as events, and correlates request/response pairs.
type Channel struct {
	cfg    ChannelConfig
	bus    *Bus
	logger *slog.Logger

	transport Transport
	epoch     uuid.UUID

	reqID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wire.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// Open dials the transport and starts dispatching inbound frames onto the
// bus. On failure nothing is left running.
func Open(ctx context.Context, cfg ChannelConfig, bus *Bus, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	epoch := uuid.New()
	transport := NewTransport(cfg.Transport, logger.With("epoch", epoch.String()[:8]))

	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}

	ch := &Channel{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		transport: transport,
		epoch:     epoch,
		pending:   make(map[int64]chan wire.Envelope),
		done:      make(chan struct{}),
	}

	go ch.dispatchLoop()

	return ch, nil
}

// Epoch identifies this transport connection.
func (c *Channel) Epoch() uuid.UUID {
	return c.epoch
}

// IsOpen reports whether the underlying transport is connected.
func (c *Channel) IsOpen() bool {
	return c.transport.IsConnected()
}

// Send writes a fire-and-forget event. Fails with ErrNotConnected when the
// transport is down; never silently drops.
func (c *Channel) Send(event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	req := wire.Request{Event: event, Data: data}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", event, err)
	}

	return c.transport.Send(raw)
}

// Call sends a request and waits for the matching response envelope.
// In-flight calls resolve with ErrNotConnected if the channel closes, and
// with ErrAckTimeout if no response arrives within the ack timeout.
func (c *Channel) Call(ctx context.Context, event string, payload any) (wire.Envelope, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}

	id := c.reqID.Add(1)
	respCh := make(chan wire.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := wire.Request{ID: id, Event: event, Data: data}
	raw, err := json.Marshal(req)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("encode %s request: %w", event, err)
	}

	if err := c.transport.Send(raw); err != nil {
		return wire.Envelope{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-c.done:
		return wire.Envelope{}, ErrNotConnected
	case <-timer.C:
		return wire.Envelope{}, ErrAckTimeout
	case env := <-respCh:
		return env, nil
	}
}

// Close tears down the transport and resolves in-flight calls with
// ErrNotConnected. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// dispatchLoop decodes inbound frames and routes them: responses resolve
// pending calls, everything is published on the bus. A transport error
// publishes a local disconnect event unless the close was planned.
func (c *Channel) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return

		case err := <-c.transport.Errors():
			c.logger.Warn("transport error", "error", err)
			select {
			case <-c.done:
			default:
				c.bus.Publish(Event{
					Name:       wire.EventDisconnect,
					ReceivedAt: time.Now(),
					Epoch:      c.epoch,
				})
			}
			return

		case raw, ok := <-c.transport.Frames():
			if !ok {
				return
			}
			c.dispatch(raw)
		}
	}
}

// dispatch handles a single raw frame. Malformed frames are logged and
// dropped, never fatal to the channel.
func (c *Channel) dispatch(raw RawFrame) {
	var frame wire.Frame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		c.logger.Warn("malformed frame, dropping", "error", err)
		return
	}

	if frame.ID != 0 {
		c.resolvePending(frame)
	}

	var serverTS time.Time
	if frame.TS != 0 {
		serverTS = time.UnixMilli(frame.TS)
	}

	// Responses are published too, so passive observers (e.g. the
	// notification adapter watching join acknowledgments) see them.
	c.bus.Publish(Event{
		Name:       frame.Event,
		Data:       frame.Data,
		ServerTS:   serverTS,
		ReceivedAt: raw.ReceivedAt,
		Epoch:      c.epoch,
	})
}

// resolvePending completes the call waiting on this response id.
func (c *Channel) resolvePending(frame wire.Frame) {
	c.pendingMu.Lock()
	respCh, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		c.logger.Warn("malformed response envelope", "event", frame.Event, "error", err)
		return
	}

	select {
	case respCh <- env:
	default:
	}
}

// marshalPayload encodes a payload, passing raw JSON through untouched.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
