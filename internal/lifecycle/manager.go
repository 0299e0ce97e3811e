package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/wire"
)

// Manager drives the connection state machine:
//
//	Disconnected → Connecting → Connected → Reconnecting
//
// Terminal only via explicit Disconnect. Unplanned drops while Connected
// move to Reconnecting and retry with bounded exponential backoff,
// re-sending the same credential. Auth rejection is never retried.
type Manager struct {
	cfg    Config
	bus    *channel.Bus
	logger *slog.Logger
	clock  Clock
	policy BackoffPolicy

	group singleflight.Group

	mu             sync.Mutex
	state          State
	credential     string
	socketID       string
	attempt        int
	ch             *channel.Channel
	reconnectTimer Timer

	reconnects atomic.Int64

	dropSub *channel.Subscription
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects a clock, used by tests to drive reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a manager publishing lifecycle events on bus.
func NewManager(cfg Config, bus *channel.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		clock:  SystemClock(),
		policy: BackoffPolicy{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.dropSub = bus.Subscribe(wire.EventDisconnect, m.onDrop)

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID returns the identity assigned by the gateway for the current
// epoch, empty when not connected.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// Reconnects returns the number of drops that triggered reconnection.
func (m *Manager) Reconnects() int64 {
	return m.reconnects.Load()
}

// Connect establishes the connection and completes the authentication
// handshake. Concurrent calls for the same credential are coalesced;
// calling while already connected is a no-op success.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		same := m.credential == credential
		m.mu.Unlock()
		if same {
			return nil
		}
		return &ConnectError{Kind: ConnectRefused, Err: errors.New("already connected with a different credential")}
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do(credential, func() (any, error) {
		return nil, m.connect(ctx, credential)
	})
	return err
}

// Disconnect is valid from any state. It cancels any pending reconnect
// timer, closes the transport, and always ends in Disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	from := m.state
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	ch := m.ch
	m.ch = nil
	m.socketID = ""
	m.credential = ""
	m.attempt = 0
	m.state = StateDisconnected
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if from != StateDisconnected {
		m.logger.Info("disconnected", "from", from.String())
		m.publishState(from, StateDisconnected)
	}
	return nil
}

// Call sends a request through the current channel handle and waits for
// the response envelope. Fails immediately with ErrNotConnected when the
// connection is not established; no transport call is attempted.
func (m *Manager) Call(ctx context.Context, event string, payload any) (wire.Envelope, error) {
	m.mu.Lock()
	ch, st := m.ch, m.state
	m.mu.Unlock()

	if st != StateConnected || ch == nil {
		return wire.Envelope{}, channel.ErrNotConnected
	}
	return ch.Call(ctx, event, payload)
}

// Send fires an event through the current channel handle without waiting
// for acknowledgment.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	ch, st := m.ch, m.state
	m.mu.Unlock()

	if st != StateConnected || ch == nil {
		return channel.ErrNotConnected
	}
	return ch.Send(event, payload)
}

// connect performs one Disconnected → Connecting → Connected attempt.
func (m *Manager) connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.credential = credential
	m.state = StateConnecting
	m.mu.Unlock()
	m.publishState(StateDisconnected, StateConnecting)

	ch, socketID, err := m.open(ctx, credential)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.credential = ""
		m.mu.Unlock()
		m.publishState(StateConnecting, StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.ch = ch
	m.socketID = socketID
	m.attempt = 0
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("connected", "socket_id", socketID)
	m.publishState(StateConnecting, StateConnected)
	return nil
}

// open dials a fresh channel and waits for the handshake to resolve:
// the server's connected event on success, connection_error on rejection.
func (m *Manager) open(ctx context.Context, credential string) (*channel.Channel, string, error) {
	connectedCh := make(chan wire.ConnectedPayload, 1)
	errorCh := make(chan wire.ErrorPayload, 1)
	dropCh := make(chan channel.Event, 4)

	subConnected := m.bus.Subscribe(wire.EventConnected, func(ev channel.Event) {
		var p wire.ConnectedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			m.logger.Warn("malformed connected payload", "error", err)
			return
		}
		select {
		case connectedCh <- p:
		default:
		}
	})
	defer subConnected.Unsubscribe()

	subError := m.bus.Subscribe(wire.EventConnectionError, func(ev channel.Event) {
		var p wire.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			p = wire.ErrorPayload{Code: wire.ErrCodeServerError, Message: string(ev.Data)}
		}
		select {
		case errorCh <- p:
		default:
		}
	})
	defer subError.Unsubscribe()

	subDrop := m.bus.Subscribe(wire.EventDisconnect, func(ev channel.Event) {
		select {
		case dropCh <- ev:
		default:
		}
	})
	defer subDrop.Unsubscribe()

	ccfg := channel.ChannelConfig{
		Transport: channel.TransportConfig{
			URL:          m.cfg.URL,
			Credential:   credential,
			DialTimeout:  m.cfg.HandshakeTimeout,
			WriteTimeout: m.cfg.WriteTimeout,
			PingInterval: m.cfg.PingInterval,
			PingTimeout:  m.cfg.PingTimeout,
			BufferSize:   m.cfg.BufferSize,
		},
		AckTimeout: m.cfg.AckTimeout,
	}

	ch, err := channel.Open(ctx, ccfg, m.bus, m.logger)
	if err != nil {
		return nil, "", &ConnectError{Kind: classifyDialError(err), Err: err}
	}

	timeoutCh := make(chan struct{})
	tmr := m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() { close(timeoutCh) })
	defer tmr.Stop()

	for {
		select {
		case p := <-connectedCh:
			return ch, p.SocketID, nil

		case p := <-errorCh:
			ch.Close()
			if p.Code == wire.ErrCodeAuthRejected {
				return nil, "", &ConnectError{Kind: ConnectAuthRejected, Err: errors.New(p.Message)}
			}
			return nil, "", &ConnectError{Kind: ConnectRefused, Err: errors.New(p.Message)}

		case ev := <-dropCh:
			if ev.Epoch != ch.Epoch() {
				continue
			}
			ch.Close()
			return nil, "", &ConnectError{Kind: ConnectRefused, Err: errors.New("transport dropped during handshake")}

		case <-timeoutCh:
			ch.Close()
			return nil, "", &ConnectError{Kind: ConnectTimeout}

		case <-ctx.Done():
			ch.Close()
			return nil, "", &ConnectError{Kind: ConnectTimeout, Err: ctx.Err()}
		}
	}
}

// onDrop handles an unplanned transport drop for the current epoch.
func (m *Manager) onDrop(ev channel.Event) {
	m.mu.Lock()
	if m.state != StateConnected || m.ch == nil || ev.Epoch != m.ch.Epoch() {
		m.mu.Unlock()
		return
	}

	// Closing the stale channel resolves its in-flight calls with
	// ErrNotConnected instead of letting them hang.
	ch := m.ch
	m.ch = nil
	m.socketID = ""
	m.state = StateReconnecting
	m.attempt = 0
	m.reconnects.Add(1)
	m.reconnectTimer = m.clock.AfterFunc(m.policy.Delay(0), m.tryReconnect)
	m.mu.Unlock()

	ch.Close()
	m.logger.Warn("connection dropped, reconnecting")
	m.publishState(StateConnected, StateReconnecting)
}

// tryReconnect runs one backoff-scheduled reconnect attempt.
func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	credential := m.credential
	attempt := m.attempt
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "attempt", attempt+1)

	ch, socketID, err := m.open(context.Background(), credential)
	if err == nil {
		m.mu.Lock()
		if m.state != StateReconnecting {
			// Disconnected while the dial was in flight.
			m.mu.Unlock()
			ch.Close()
			return
		}
		m.ch = ch
		m.socketID = socketID
		m.attempt = 0
		m.state = StateConnected
		m.mu.Unlock()

		m.logger.Info("reconnected", "socket_id", socketID)
		m.publishState(StateReconnecting, StateConnected)
		return
	}

	var cerr *ConnectError
	if errors.As(err, &cerr) && cerr.Kind == ConnectAuthRejected {
		m.logger.Error("credential rejected during reconnect", "error", err)
		m.mu.Lock()
		m.state = StateDisconnected
		m.credential = ""
		m.attempt = 0
		m.mu.Unlock()
		m.publishError(wire.ErrCodeAuthRejected, cerr.Error())
		m.publishState(StateReconnecting, StateDisconnected)
		return
	}

	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt = m.attempt
	if m.policy.Exhausted(attempt) {
		m.state = StateDisconnected
		m.credential = ""
		m.attempt = 0
		m.mu.Unlock()

		m.logger.Error("reconnect attempts exhausted", "attempts", attempt)
		m.publishError(wire.ErrCodeExhausted, (&ConnectError{Kind: ConnectExhausted, Err: err}).Error())
		m.publishState(StateReconnecting, StateDisconnected)
		return
	}
	delay := m.policy.Delay(attempt)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()

	m.logger.Warn("reconnection attempt failed",
		"attempt", attempt,
		"next_delay", delay,
		"error", err,
	)
}

// publishState emits a local state-change event on the bus, stamped with
// the current connection epoch when one exists.
func (m *Manager) publishState(from, to State) {
	m.mu.Lock()
	var epoch uuid.UUID
	if m.ch != nil {
		epoch = m.ch.Epoch()
	}
	m.mu.Unlock()

	data, _ := json.Marshal(StateChange{From: from.String(), To: to.String()})
	m.bus.Publish(channel.Event{
		Name:       EventStateChange,
		Data:       data,
		ReceivedAt: m.clock.Now(),
		Epoch:      epoch,
	})
}

// publishError emits a local connection_error event on the bus.
func (m *Manager) publishError(code, message string) {
	data, _ := json.Marshal(wire.ErrorPayload{Code: code, Message: message})
	m.bus.Publish(channel.Event{
		Name:       wire.EventConnectionError,
		Data:       data,
		ReceivedAt: m.clock.Now(),
	})
}

// classifyDialError maps a dial failure to a ConnectErrorKind.
func classifyDialError(err error) ConnectErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ConnectTimeout
	}
	return ConnectRefused
}
