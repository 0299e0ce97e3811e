package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hireloop/realtime/internal/channel"
	"github.com/hireloop/realtime/internal/wire"
)

// fakeClock records scheduled timers so tests fire reconnect attempts
// deterministically instead of sleeping through real backoff delays.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func newFakeClock() *fakeClock { return &fakeClock{} }

func (c *fakeClock) Now() time.Time { return time.Unix(1705328200, 0) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	tmr := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, tmr)
	return tmr
}

// fire runs the oldest pending timer synchronously. It reports whether a
// timer was found.
func (c *fakeClock) fire() bool {
	c.mu.Lock()
	var found *fakeTimer
	for _, tmr := range c.timers {
		if !tmr.stopped && !tmr.fired {
			found = tmr
			break
		}
	}
	if found != nil {
		found.fired = true
	}
	c.mu.Unlock()

	if found == nil {
		return false
	}
	found.f()
	return true
}

// pending counts timers that are scheduled but not yet fired or stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tmr := range c.timers {
		if !tmr.stopped && !tmr.fired {
			n++
		}
	}
	return n
}

// gateway is a mock realtime gateway. Each accepted connection is handed
// to the handler with its 1-based dial number.
type gateway struct {
	server *httptest.Server
	dials  atomic.Int64
	refuse atomic.Bool
}

func newGateway(t *testing.T, handler func(n int64, conn *websocket.Conn)) *gateway {
	g := &gateway{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		n := g.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(n, conn)
	}))
	return g
}

func (g *gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gateway) Close() { g.server.Close() }

func sendConnected(conn *websocket.Conn, socketID string) error {
	frame := fmt.Sprintf(`{"event":"connected","data":{"socketId":"%s","userId":42}}`, socketID)
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func sendAuthRejected(conn *websocket.Conn) error {
	frame := `{"event":"connection_error","data":{"code":"auth_rejected","message":"bad token"}}`
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testManagerConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	return cfg
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func TestManager_ConnectSuccess(t *testing.T) {
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendConnected(conn, "sock-1"); err != nil {
			return
		}
		holdOpen(conn)
	})
	defer g.Close()

	bus := channel.NewBus()

	var transitions []string
	var mu sync.Mutex
	bus.Subscribe(EventStateChange, func(ev channel.Event) {
		var sc StateChange
		if err := json.Unmarshal(ev.Data, &sc); err != nil {
			t.Errorf("bad state change payload: %v", err)
			return
		}
		mu.Lock()
		transitions = append(transitions, sc.From+">"+sc.To)
		mu.Unlock()
	})

	m := NewManager(testManagerConfig(g.URL()), bus, nil, WithClock(newFakeClock()))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("State = %v, want %v", got, StateConnected)
	}
	if got := m.SocketID(); got != "sock-1" {
		t.Errorf("SocketID = %q, want %q", got, "sock-1")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disconnected>connecting", "connecting>connected"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestManager_ConnectAuthRejected(t *testing.T) {
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendAuthRejected(conn); err != nil {
			return
		}
		holdOpen(conn)
	})
	defer g.Close()

	clock := newFakeClock()
	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(clock))

	err := m.Connect(context.Background(), "bad-token")
	if err == nil {
		t.Fatal("expected Connect to fail")
	}
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Kind != ConnectAuthRejected {
		t.Errorf("error = %v, want ConnectAuthRejected", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
	if n := clock.pending(); n != 0 {
		t.Errorf("auth rejection must not schedule a retry, %d timers pending", n)
	}
}

func TestManager_ConnectRefusedByServer(t *testing.T) {
	g := newGateway(t, func(n int64, conn *websocket.Conn) {})
	defer g.Close()
	g.refuse.Store(true)

	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(newFakeClock()))

	err := m.Connect(context.Background(), "tok-1")
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Kind != ConnectRefused {
		t.Errorf("error = %v, want ConnectRefused", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendConnected(conn, fmt.Sprintf("sock-%d", n)); err != nil {
			return
		}
		holdOpen(conn)
	})
	defer g.Close()

	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(newFakeClock()))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("second Connect with same credential: %v", err)
	}
	if n := g.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	err := m.Connect(context.Background(), "tok-2")
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Kind != ConnectRefused {
		t.Errorf("Connect with different credential = %v, want ConnectRefused", err)
	}
}

func TestManager_ConcurrentConnect(t *testing.T) {
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		if err := sendConnected(conn, "sock-1"); err != nil {
			return
		}
		holdOpen(conn)
	})
	defer g.Close()

	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(newFakeClock()))
	defer m.Disconnect()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), "tok-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Connect %d failed: %v", i, err)
		}
	}
	if n := g.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1 for coalesced connects", n)
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	dropNow := make(chan struct{})
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendConnected(conn, fmt.Sprintf("sock-%d", n)); err != nil {
			return
		}
		if n == 1 {
			<-dropNow
			return
		}
		holdOpen(conn)
	})
	defer g.Close()

	clock := newFakeClock()
	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(clock))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	close(dropNow)
	waitForState(t, m, StateReconnecting)
	if n := m.Reconnects(); n != 1 {
		t.Errorf("Reconnects = %d, want 1", n)
	}

	if !clock.fire() {
		t.Fatal("no reconnect timer scheduled")
	}

	waitForState(t, m, StateConnected)
	if got := m.SocketID(); got != "sock-2" {
		t.Errorf("SocketID = %q, want %q", got, "sock-2")
	}
	if n := g.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	dropNow := make(chan struct{})
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendConnected(conn, "sock-1"); err != nil {
			return
		}
		<-dropNow
	})
	defer g.Close()

	cfg := testManagerConfig(g.URL())
	cfg.ReconnectMaxAttempts = 2

	bus := channel.NewBus()
	codes := make(chan string, 4)
	bus.Subscribe(wire.EventConnectionError, func(ev channel.Event) {
		var p wire.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		codes <- p.Code
	})

	clock := newFakeClock()
	m := NewManager(cfg, bus, nil, WithClock(clock))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	g.refuse.Store(true)
	close(dropNow)
	waitForState(t, m, StateReconnecting)

	// Attempt 1 fails and reschedules, attempt 2 exhausts the cap.
	if !clock.fire() {
		t.Fatal("no timer for attempt 1")
	}
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State after failed attempt = %v, want %v", got, StateReconnecting)
	}
	if !clock.fire() {
		t.Fatal("no timer for attempt 2")
	}

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
	select {
	case code := <-codes:
		if code != wire.ErrCodeExhausted {
			t.Errorf("error code = %q, want %q", code, wire.ErrCodeExhausted)
		}
	default:
		t.Error("no connection_error published on exhaustion")
	}
	if err := m.Send(wire.EventPing, nil); !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("Send after exhaustion = %v, want ErrNotConnected", err)
	}
}

func TestManager_AuthRejectedDuringReconnect(t *testing.T) {
	dropNow := make(chan struct{})
	var rejectNext atomic.Bool
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if rejectNext.Load() {
			if err := sendAuthRejected(conn); err != nil {
				return
			}
			holdOpen(conn)
			return
		}
		if err := sendConnected(conn, "sock-1"); err != nil {
			return
		}
		<-dropNow
	})
	defer g.Close()

	bus := channel.NewBus()
	codes := make(chan string, 4)
	bus.Subscribe(wire.EventConnectionError, func(ev channel.Event) {
		var p wire.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		codes <- p.Code
	})

	clock := newFakeClock()
	m := NewManager(testManagerConfig(g.URL()), bus, nil, WithClock(clock))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	rejectNext.Store(true)
	close(dropNow)
	waitForState(t, m, StateReconnecting)

	if !clock.fire() {
		t.Fatal("no reconnect timer scheduled")
	}

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
	// auth_rejected once from the server frame, then the manager's own copy.
	found := false
	for len(codes) > 0 {
		if <-codes == wire.ErrCodeAuthRejected {
			found = true
		}
	}
	if !found {
		t.Error("no auth_rejected connection_error published")
	}
	if n := clock.pending(); n != 0 {
		t.Errorf("auth rejection must stop retrying, %d timers pending", n)
	}
}

func TestManager_DisconnectWhileReconnecting(t *testing.T) {
	dropNow := make(chan struct{})
	g := newGateway(t, func(n int64, conn *websocket.Conn) {
		if err := sendConnected(conn, "sock-1"); err != nil {
			return
		}
		<-dropNow
	})
	defer g.Close()

	clock := newFakeClock()
	m := NewManager(testManagerConfig(g.URL()), channel.NewBus(), nil, WithClock(clock))

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	close(dropNow)
	waitForState(t, m, StateReconnecting)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
	if n := clock.pending(); n != 0 {
		t.Errorf("Disconnect must cancel the reconnect timer, %d pending", n)
	}

	dialsBefore := g.dials.Load()
	clock.fire()
	if n := g.dials.Load(); n != dialsBefore {
		t.Errorf("fired timer dialed after Disconnect: %d -> %d", dialsBefore, n)
	}
}

func TestManager_CallSendWhileDisconnected(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:12345"), channel.NewBus(), nil, WithClock(newFakeClock()))

	if _, err := m.Call(context.Background(), wire.EventPing, nil); !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("Call = %v, want ErrNotConnected", err)
	}
	if err := m.Send(wire.EventPing, nil); !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:12345"), channel.NewBus(), nil, WithClock(newFakeClock()))

	if err := m.Disconnect(); err != nil {
		t.Errorf("Disconnect from Disconnected failed: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
}
