package lifecycle

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind int

const (
	// ConnectTimeout: the dial or handshake did not complete in time.
	ConnectTimeout ConnectErrorKind = iota
	// ConnectRefused: the transport could not be established.
	ConnectRefused
	// ConnectAuthRejected: the gateway rejected the credential. Never
	// retried automatically.
	ConnectAuthRejected
	// ConnectExhausted: the reconnect attempt cap was reached.
	ConnectExhausted
)

// String implements fmt.Stringer.
func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectAuthRejected:
		return "auth_rejected"
	case ConnectExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectError is a classified connection failure.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

// Error implements error.
func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connect: %s", e.Kind)
}

// Unwrap supports errors.Is/As chains.
func (e *ConnectError) Unwrap() error { return e.Err }

// EventStateChange is published on the bus after every completed state
// transition. It is local-only, never sent on the wire.
const EventStateChange = "connection:state"

// StateChange is the payload of an EventStateChange event.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Config configures the lifecycle manager.
type Config struct {
	URL                  string
	HandshakeTimeout     time.Duration // wait for the server's connected event
	AckTimeout           time.Duration // per-call response deadline
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	BufferSize           int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		AckTimeout:           10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         15 * time.Second,
		PingTimeout:          45 * time.Second,
		BufferSize:           1000,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		ReconnectMaxAttempts: 10,
	}
}
