package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hireloop/realtime/internal/wire"
)

func testChannelConfig(url string) ChannelConfig {
	cfg := DefaultChannelConfig()
	cfg.Transport = testTransportConfig(url)
	cfg.AckTimeout = 2 * time.Second
	return cfg
}

// echoAckServer acknowledges every request with a success envelope.
func echoAckServer(t *testing.T) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wire.Request
			if err := json.Unmarshal(msg, &req); err != nil {
				t.Logf("bad request: %v", err)
				continue
			}
			if req.ID == 0 {
				continue
			}
			resp := fmt.Sprintf(`{"id":%d,"event":"%s","data":{"success":true}}`, req.ID, req.Event+":response")
			if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		}
	}
}

func TestChannel_CallCorrelation(t *testing.T) {
	server := mockWSServer(t, echoAckServer(t))
	defer server.Close()

	bus := NewBus()
	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	env, err := ch.Call(context.Background(), wire.EventPing, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !env.Success {
		t.Errorf("Success = false, want true")
	}
}

func TestChannel_ConcurrentCalls(t *testing.T) {
	server := mockWSServer(t, echoAckServer(t))
	defer server.Close()

	bus := NewBus()
	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	// Independent calls proceed concurrently without cross-talk.
	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			env, err := ch.Call(context.Background(), wire.EventGetConnectedUsers, nil)
			if err == nil && !env.Success {
				err = errors.New("unexpected failure envelope")
			}
			errCh <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("concurrent call %d: %v", i, err)
		}
	}
}

func TestChannel_EventsReachBus(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		frame := `{"event":"notification:received","data":{"id":7,"userId":42,"title":"Hi"},"ts":1705328200000}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	bus := NewBus()
	received := make(chan Event, 1)
	bus.Subscribe(wire.EventNotificationReceived, func(ev Event) { received <- ev })

	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	select {
	case ev := <-received:
		if ev.Epoch != ch.Epoch() {
			t.Errorf("Epoch = %v, want %v", ev.Epoch, ch.Epoch())
		}
		if ev.ServerTS.IsZero() {
			t.Error("ServerTS should be set from the frame ts")
		}
		var rec wire.NotificationRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if rec.ID != 7 {
			t.Errorf("ID = %d, want 7", rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestChannel_MalformedFrameDropped(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"pong","data":{}}`))
		time.Sleep(time.Second)
	})
	defer server.Close()

	bus := NewBus()
	received := make(chan Event, 1)
	bus.Subscribe(wire.EventPong, func(ev Event) { received <- ev })

	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	// Channel survives the malformed frame and keeps dispatching.
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("channel stopped dispatching after malformed frame")
	}
}

func TestChannel_CallAfterClose(t *testing.T) {
	server := mockWSServer(t, echoAckServer(t))
	defer server.Close()

	bus := NewBus()
	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ch.Close()

	if _, err := ch.Call(context.Background(), wire.EventPing, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannel_InFlightCallResolvedOnClose(t *testing.T) {
	// Server never acknowledges; closing the channel must resolve the
	// waiting call instead of letting it hang until the ack timeout.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testChannelConfig(wsURL(server))
	cfg.AckTimeout = 10 * time.Second

	bus := NewBus()
	ch, err := Open(context.Background(), cfg, bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), wire.EventPing, nil)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ch.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call not resolved by Close")
	}
}

func TestChannel_AckTimeout(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testChannelConfig(wsURL(server))
	cfg.AckTimeout = 100 * time.Millisecond

	bus := NewBus()
	ch, err := Open(context.Background(), cfg, bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Call(context.Background(), wire.EventPing, nil); !errors.Is(err, ErrAckTimeout) {
		t.Errorf("expected ErrAckTimeout, got %v", err)
	}
}

func TestChannel_DisconnectEventOnDrop(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Drop immediately after the upgrade.
	})
	defer server.Close()

	bus := NewBus()
	drops := make(chan Event, 1)
	bus.Subscribe(wire.EventDisconnect, func(ev Event) { drops <- ev })

	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	select {
	case ev := <-drops:
		if ev.Epoch != ch.Epoch() {
			t.Errorf("Epoch = %v, want %v", ev.Epoch, ch.Epoch())
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect event after server drop")
	}
}

func TestChannel_NoDisconnectEventOnPlannedClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	bus := NewBus()
	drops := make(chan Event, 1)
	bus.Subscribe(wire.EventDisconnect, func(ev Event) { drops <- ev })

	ch, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ch.Close()

	select {
	case <-drops:
		t.Error("planned Close must not publish a disconnect event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannel_EpochsDiffer(t *testing.T) {
	server := mockWSServer(t, echoAckServer(t))
	defer server.Close()

	bus := NewBus()
	a, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	b, err := Open(context.Background(), testChannelConfig(wsURL(server)), bus, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	if a.Epoch() == b.Epoch() || a.Epoch() == uuid.Nil {
		t.Errorf("epochs must be distinct and non-nil: %v, %v", a.Epoch(), b.Epoch())
	}
}
