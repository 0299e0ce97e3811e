package channel

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAckTimeout      = errors.New("acknowledgment timeout")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// RawFrame wraps raw frame bytes with the receive timestamp.
type RawFrame struct {
	Data       []byte
	ReceivedAt time.Time
}

// TransportConfig configures a single WebSocket transport.
type TransportConfig struct {
	URL          string        // gateway URL (e.g. wss://rt.hireloop.io/ws)
	Credential   string        // bearer credential for the Authorization header
	DialTimeout  time.Duration // WebSocket handshake deadline
	WriteTimeout time.Duration // write deadline for sends
	PingInterval time.Duration // keepalive ping cadence
	PingTimeout  time.Duration // max silence before the connection is considered stale
	BufferSize   int           // frame channel buffer size
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 15 * time.Second,
		PingTimeout:  45 * time.Second,
		BufferSize:   1000,
	}
}

// ChannelConfig configures a Channel on top of a transport.
type ChannelConfig struct {
	Transport  TransportConfig
	AckTimeout time.Duration // max wait for a response to a Call
}

// DefaultChannelConfig returns sensible defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Transport:  DefaultTransportConfig(),
		AckTimeout: 10 * time.Second,
	}
}
