package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// registerTestClient attaches a bare client (no network connection) to the
// hub and returns its receive channel.
func registerTestClient(t *testing.T, h *Hub) chan []byte {
	t.Helper()
	c := &client{hub: h, send: make(chan []byte, 16)}
	h.register <- c
	waitFor(t, func() bool { return h.ClientCount() == 1 })
	return c.send
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	h := testHub(t)
	recv := registerTestClient(t, h)

	h.Broadcast(KindBDial, map[string]string{"caller": "201", "callee": "202"})

	select {
	case payload := <-recv:
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshaling feed frame: %v", err)
		}
		if msg.Kind != KindBDial {
			t.Errorf("kind = %q, want %q", msg.Kind, KindBDial)
		}
		data, ok := msg.Data.(map[string]any)
		if !ok || data["caller"] != "201" {
			t.Errorf("payload not round-tripped: %v", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := testHub(t)
	c := &client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- c
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	h.Broadcast(KindTransfer, nil)
	waitFor(t, func() bool { return h.ClientCount() == 0 })
}

func TestRunShutdownClosesClients(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := &client{hub: h, send: make(chan []byte, 1)}
	h.register <- c
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.ClientCount() != 0 {
		t.Errorf("clients remaining after shutdown: %d", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("client send channel not closed on shutdown")
	}
}

// TestSubscribeAfterShutdownDisconnects: an upgrade that lands after Run has
// returned must not park its goroutine on the register channel.
func TestSubscribeAfterShutdownDisconnects(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// Refused upgrades are fine too; the point is nothing hangs.
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if h.ClientCount() != 0 {
		t.Errorf("clients registered after shutdown: %d", h.ClientCount())
	}
}
