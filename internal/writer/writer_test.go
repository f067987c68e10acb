package writer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestServer(t *testing.T) (*websocket.Conn, *httptest.Server, chan []byte) {
	t.Helper()
	received := make(chan []byte, 16)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				received <- msg
			}
		}()
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, srv, received
}

func TestWriterDrainsTextFrames(t *testing.T) {
	conn, srv, received := dialTestServer(t)
	defer srv.Close()
	defer conn.Close()

	w := New(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	if err := w.Enqueue(ctx, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != `{"type":"heartbeat"}` {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestWriterAcceptsTextAndPong(t *testing.T) {
	conn, srv, _ := dialTestServer(t)
	defer srv.Close()
	defer conn.Close()

	w := New(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Both queues should accept without blocking up to capacity.
	if err := w.Enqueue(ctx, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := w.EnqueuePong(ctx, []byte("ping-payload")); err != nil {
		t.Fatalf("EnqueuePong: %v", err)
	}
}
