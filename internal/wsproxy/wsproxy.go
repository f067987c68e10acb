// Package wsproxy implements the long-lived bidirectional bridge between a
// server-side WebSocket flow and a local WebSocket origin (component C3).
package wsproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelagent/edge-agent/internal/protocol"
)

// inboundQueueCapacity bounds the per-flow queue from the server toward the
// local origin (spec §5: "per-flow inbound 64").
const inboundQueueCapacity = 64

// State is the flow's lifecycle per spec §4.3: Connecting -> Open ->
// (Closing | Failed) -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateFailed
	StateClosed
)

// allowedUpgradeHeaders are the only upgrade-request headers mirrored to the
// local dial — session identity without leaking arbitrary upstream headers
// (spec §4.3).
var allowedUpgradeHeaders = map[string]struct{}{
	"cookie":        {},
	"authorization": {},
}

// localFrame is one opcode+payload entry in the to-local queue.
type localFrame struct {
	opcode  int
	payload []byte
}

// OutboundSink receives messages this flow wants sent to the server (ws_frame,
// ws_close, ws_upgraded). It is typically the dispatcher's writer-enqueue callback.
type OutboundSink func(msg any)

// Proxy is a live bridge for one WsId.
type Proxy struct {
	id   protocol.WsId
	conn *websocket.Conn
	sink OutboundSink

	toLocal chan localFrame
	state   atomic.Int32

	closeOnce sync.Once
}

// Dial opens the local WebSocket connection for a ws_upgrade request. On
// success the caller should store the returned Proxy in ClientState and call
// Start, which emits ws_upgraded through the sink. On failure, the caller emits
// ws_close{1011, "Local connection failed: {e}"} and never creates the flow.
func Dial(localHost string, localPort int, path string, upgradeHeaders []protocol.HeaderPair, id protocol.WsId, sink OutboundSink) (*Proxy, error) {
	url := fmt.Sprintf("ws://%s:%d%s", localHost, localPort, path)

	header := http.Header{}
	for _, pair := range upgradeHeaders {
		name, value := pair[0], pair[1]
		if _, ok := allowedUpgradeHeaders[strings.ToLower(name)]; ok {
			header.Set(name, value)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing local WebSocket origin: %w", err)
	}

	p := &Proxy{
		id:      id,
		conn:    conn,
		sink:    sink,
		toLocal: make(chan localFrame, inboundQueueCapacity),
	}
	p.state.Store(int32(StateConnecting))
	return p, nil
}

// Start transitions the flow to Open, emits ws_upgraded, and launches the
// two cooperating tasks (to-local writer, from-local reader).
func (p *Proxy) Start() {
	p.state.Store(int32(StateOpen))
	p.sink(protocol.NewWsUpgraded(p.id))

	go p.runToLocal()
	go p.runFromLocal()
}

// Enqueue translates a server->local frame per spec §4.3 and queues it for
// the to-local writer. Unknown opcodes are treated as binary (defensive;
// shouldn't occur from a compliant server).
func (p *Proxy) Enqueue(opcode string, payload []byte) {
	wireOp := websocket.BinaryMessage
	switch opcode {
	case "text":
		wireOp = websocket.TextMessage
	case "binary":
		wireOp = websocket.BinaryMessage
	case "ping":
		wireOp = websocket.PingMessage
	case "pong":
		wireOp = websocket.PongMessage
	case "close":
		p.Close(1000, "")
		return
	default:
		wireOp = websocket.BinaryMessage
	}

	select {
	case p.toLocal <- localFrame{opcode: wireOp, payload: payload}:
	default:
		// Queue full: drop rather than block the dispatcher (spec §5
		// backpressure is per-flow; a stalled local origin must not affect
		// other flows, but this flow's own overflow is discarded).
		slog.Warn("ws to-local queue full, dropping frame", "ws_id", p.id)
	}
}

// Close asks the flow to close with the given code/reason (defaults 1000/"")
// and tears it down. Idempotent.
func (p *Proxy) Close(code int, reason string) {
	if code == 0 {
		code = 1000
	}
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosing))
		deadline := time.Now().Add(2 * time.Second)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = p.conn.Close()
		close(p.toLocal)
		p.state.Store(int32(StateClosed))
	})
}

func (p *Proxy) runToLocal() {
	for frame := range p.toLocal {
		if err := p.conn.WriteMessage(frame.opcode, frame.payload); err != nil {
			slog.Debug("ws to-local write failed", "ws_id", p.id, "error", err)
			return
		}
	}
}

func (p *Proxy) runFromLocal() {
	defer p.Close(1000, "")

	for {
		opcode, payload, err := p.conn.ReadMessage()
		if err != nil {
			code, reason := 1000, ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			p.sink(protocol.NewWsCloseOut(p.id, code, reason))
			return
		}

		switch opcode {
		case websocket.TextMessage:
			p.sink(protocol.NewWsFrameOut(p.id, "text", payload))
		case websocket.BinaryMessage:
			p.sink(protocol.NewWsFrameOut(p.id, "binary", payload))
		case websocket.PingMessage:
			p.sink(protocol.NewWsFrameOut(p.id, "ping", payload))
		case websocket.PongMessage:
			p.sink(protocol.NewWsFrameOut(p.id, "pong", payload))
		case websocket.CloseMessage:
			code, reason := 1000, ""
			if len(payload) >= 2 {
				code = int(payload[0])<<8 | int(payload[1])
				reason = string(payload[2:])
			}
			p.sink(protocol.NewWsCloseOut(p.id, code, reason))
			return
		}
	}
}
