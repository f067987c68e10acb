// Package writer implements the single task that owns the outbound half of
// the control connection (component C7). Every other component enqueues;
// only the writer ever calls conn.WriteMessage, eliminating the need for a
// write lock across suspension points.
package writer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// QueueCapacity is the bounded size of each outbound queue (spec §4.7):
// generous head-room, but bounded so a misbehaving flow can't grow the
// process's memory without limit.
const QueueCapacity = 256

// writeTimeout bounds how long a single WriteMessage call may block.
const writeTimeout = 10 * time.Second

// Writer drains two bounded queues — encoded text frames and raw pong
// frames — into the control connection with fair selection between them.
type Writer struct {
	conn *websocket.Conn

	text chan []byte
	pong chan []byte
}

// New creates a Writer bound to conn. Call Run in its own goroutine.
func New(conn *websocket.Conn) *Writer {
	return &Writer{
		conn: conn,
		text: make(chan []byte, QueueCapacity),
		pong: make(chan []byte, QueueCapacity),
	}
}

// Enqueue submits an encoded text frame (a protocol message). It blocks if
// the queue is full, applying backpressure to the caller rather than
// dropping a frame silently.
func (w *Writer) Enqueue(ctx context.Context, frame []byte) error {
	select {
	case w.text <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueuePong submits a raw transport pong carrying the same payload as the
// ping that triggered it.
func (w *Writer) EnqueuePong(ctx context.Context, payload []byte) error {
	select {
	case w.pong <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains both queues until ctx is cancelled or a send fails. A send
// error whose message contains "closing" is expected churn during teardown:
// it is logged at debug level and the loop keeps draining. Any other error
// is returned so the supervisor can treat the connection as lost.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-w.text:
			if err := w.writeText(frame); err != nil {
				if err := w.classify(err); err != nil {
					return err
				}
			}

		case payload := <-w.pong:
			if err := w.writePong(payload); err != nil {
				if err := w.classify(err); err != nil {
					return err
				}
			}
		}
	}
}

func (w *Writer) writeText(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *Writer) writePong(payload []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.PongMessage, payload)
}

// classify downgrades "closing" errors to a debug log and returns nil so Run
// keeps draining instead of ending on expected teardown churn; any other
// error is returned as-is.
func (w *Writer) classify(err error) error {
	if strings.Contains(err.Error(), "closing") {
		slog.Debug("write to closing connection", "error", err)
		return nil
	}
	return err
}
