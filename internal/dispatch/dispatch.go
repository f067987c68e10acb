// Package dispatch implements the inbound half of the control connection
// (component C6): read one frame at a time, decode it, and route it to the
// HTTP forwarder, WebSocket proxy, or TCP proxy. Each tunnel_request,
// ws_upgrade, and tcp_connect spawns its own goroutine so a slow local origin
// only ever stalls its own flow. tcp_data chunks are handed to their flow
// synchronously (see onTcpData), so a flow whose queue is full delays the
// read of the next frame.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/tunnelagent/edge-agent/internal/forwarder"
	"github.com/tunnelagent/edge-agent/internal/protocol"
	"github.com/tunnelagent/edge-agent/internal/state"
	"github.com/tunnelagent/edge-agent/internal/tcpproxy"
	"github.com/tunnelagent/edge-agent/internal/uiapi"
	"github.com/tunnelagent/edge-agent/internal/wsproxy"
)

// defaultLocalPort is substituted for an unresolvable tunnel_id so a request
// against a registration the client has already forgotten (e.g. after a
// reconnect raced the server) still gets forwarded somewhere sensible
// instead of being dropped outright (spec §4.6).
const defaultLocalPort = 3000

// Sink is the subset of writer.Writer the dispatcher needs: somewhere to
// enqueue encoded outbound frames and raw pongs.
type Sink interface {
	Enqueue(ctx context.Context, frame []byte) error
	EnqueuePong(ctx context.Context, payload []byte) error
}

// Dispatcher owns the inbound half of one control connection's lifetime.
type Dispatcher struct {
	state *state.ClientState
	sink  Sink
	ui    uiapi.Channels
}

// New creates a Dispatcher over the given shared state, outbound sink, and
// UI event channel (ui.Events may be nil).
func New(st *state.ClientState, sink Sink, ui uiapi.Channels) *Dispatcher {
	return &Dispatcher{state: st, sink: sink, ui: ui}
}

// Run reads frames from conn until ctx is cancelled or the connection fails.
// It returns ctx.Err() when ctx is cancelled; any other return is a
// connection-lost signal for the supervisor.
func (d *Dispatcher) Run(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		opcode, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading control frame: %w", err)
		}

		switch opcode {
		case websocket.TextMessage:
			d.handleText(ctx, payload)
		case websocket.PingMessage:
			if err := d.sink.EnqueuePong(ctx, payload); err != nil {
				return err
			}
		case websocket.PongMessage:
			// No server-initiated pings to answer; observed only.
		case websocket.CloseMessage:
			return fmt.Errorf("control connection closed by server")
		default:
			slog.Debug("ignoring non-text control frame", "opcode", opcode)
		}
	}
}

func (d *Dispatcher) handleText(ctx context.Context, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Error("malformed control frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.TunnelRegistered:
		d.onTunnelRegistered(m)
	case protocol.TcpTunnelRegistered:
		d.onTcpTunnelRegistered(m)
	case protocol.TunnelRequest:
		go d.onTunnelRequest(ctx, m)
	case protocol.WsUpgrade:
		go d.onWsUpgrade(ctx, m)
	case protocol.WsFrameIn:
		d.onWsFrame(m)
	case protocol.WsCloseIn:
		d.onWsClose(m)
	case protocol.TcpConnect:
		go d.onTcpConnect(ctx, m)
	case protocol.TcpDataIn:
		d.onTcpData(m)
	case protocol.TcpCloseIn:
		d.onTcpClose(m)
	case protocol.HeartbeatIn:
		// Observed only; the supervisor owns sending our own heartbeats.
	case protocol.ErrorMessage:
		slog.Error("server reported error", "code", m.Code, "message", m.Message)
	default:
		slog.Warn("unhandled decoded message type", "go_type", fmt.Sprintf("%T", m))
	}
}

func (d *Dispatcher) onTunnelRegistered(m protocol.TunnelRegistered) {
	intent, ok := d.state.PopPendingHttp()
	localPort := defaultLocalPort
	if ok {
		localPort = intent.LocalPort
	}

	d.state.PutHttpTunnel(m.TunnelId, state.TunnelInfo{
		FullUrl:   m.FullUrl,
		LocalHost: d.state.LocalHost(),
		LocalPort: localPort,
	})

	slog.Info("tunnel registered", "tunnel_id", m.TunnelId, "full_url", m.FullUrl)
	d.ui.Emit(uiapi.Event{
		Kind:      uiapi.EventTunnelRegistered,
		TunnelId:  m.TunnelId,
		Subdomain: m.Subdomain,
		FullUrl:   m.FullUrl,
		LocalPort: localPort,
	})
}

func (d *Dispatcher) onTcpTunnelRegistered(m protocol.TcpTunnelRegistered) {
	// Dequeue to keep the pending-intent queue in step with confirmations;
	// the server already echoes back the local_port we asked for.
	d.state.PopPendingTcp()

	d.state.PutTcpTunnel(m.TcpTunnelId, state.TcpTunnelInfo{
		ServerPort: m.ServerPort,
		LocalHost:  d.state.LocalHost(),
		LocalPort:  m.LocalPort,
	})

	slog.Info("tcp tunnel registered", "tcp_tunnel_id", m.TcpTunnelId, "server_port", m.ServerPort)
	d.ui.Emit(uiapi.Event{
		Kind:        uiapi.EventTcpTunnelRegistered,
		TcpTunnelId: m.TcpTunnelId,
		ServerPort:  m.ServerPort,
		LocalPort:   m.LocalPort,
	})
}

func (d *Dispatcher) onTunnelRequest(ctx context.Context, m protocol.TunnelRequest) {
	localPort := defaultLocalPort
	if info, ok := d.state.HttpTunnel(m.TunnelId); ok {
		localPort = info.LocalPort
	} else {
		slog.Warn("tunnel_request for unknown tunnel_id, falling back", "tunnel_id", m.TunnelId, "local_port", defaultLocalPort)
	}

	d.ui.Emit(uiapi.Event{Kind: uiapi.EventRequestReceived, RequestId: m.RequestId, TunnelId: m.TunnelId})

	body, _, err := m.DecodedBody()
	if err != nil {
		slog.Warn("forwarding tunnel_request despite undecodable body", "request_id", m.RequestId, "error", err)
	}

	resp, err := forwarder.Forward(forwarder.Request{
		LocalHost:   d.state.LocalHost(),
		LocalPort:   localPort,
		Method:      m.Method,
		Path:        m.Path,
		Query:       m.QueryString,
		Headers:     m.Headers,
		Body:        body,
		BodyPresent: len(body) > 0,
	})
	if err != nil {
		slog.Warn("forwarding to local origin failed", "request_id", m.RequestId, "error", err)
		resp = forwarder.BadGateway(err)
	}

	out := protocol.NewTunnelResponse(m.RequestId, resp.Status, resp.Headers, resp.Body, resp.BodyPresent)
	d.send(ctx, out)

	d.ui.Emit(uiapi.Event{Kind: uiapi.EventResponseSent, RequestId: m.RequestId, Status: resp.Status})
}

func (d *Dispatcher) onWsUpgrade(ctx context.Context, m protocol.WsUpgrade) {
	localPort := defaultLocalPort
	if info, ok := d.state.HttpTunnel(m.TunnelId); ok {
		localPort = info.LocalPort
	}

	sink := func(out any) { d.send(ctx, out) }

	p, err := wsproxy.Dial(d.state.LocalHost(), localPort, m.Path, m.Headers, m.WsId, sink)
	if err != nil {
		slog.Warn("ws_upgrade dial failed", "ws_id", m.WsId, "error", err)
		d.send(ctx, protocol.NewWsCloseOut(m.WsId, 1011, fmt.Sprintf("Local connection failed: %s", err)))
		return
	}

	d.state.PutWsFlow(m.WsId, p)
	p.Start()
}

func (d *Dispatcher) onWsFrame(m protocol.WsFrameIn) {
	p, ok := d.state.WsFlow(m.WsId)
	if !ok {
		slog.Debug("ws_frame for unknown ws_id, dropping", "ws_id", m.WsId)
		return
	}
	payload, err := m.DecodedPayload()
	if err != nil {
		slog.Warn("dropping undecodable ws_frame", "ws_id", m.WsId, "error", err)
		return
	}
	p.Enqueue(m.Opcode, payload)
}

func (d *Dispatcher) onWsClose(m protocol.WsCloseIn) {
	p, ok := d.state.WsFlow(m.WsId)
	d.state.RemoveWsFlow(m.WsId)
	if !ok {
		return
	}
	p.Close(m.Code, m.Reason)
}

func (d *Dispatcher) onTcpConnect(ctx context.Context, m protocol.TcpConnect) {
	tunnel, ok := d.state.TcpTunnel(m.TcpTunnelId)
	if !ok {
		slog.Warn("tcp_connect for unknown tcp_tunnel_id, dropping", "tcp_tunnel_id", m.TcpTunnelId)
		d.send(ctx, protocol.NewTcpCloseOut(m.TcpId, "unknown tcp_tunnel_id"))
		return
	}

	sink := func(out any) { d.send(ctx, out) }
	onClose := func() { d.state.RemoveTcpFlow(m.TcpId) }

	p, err := tcpproxy.Connect(tunnel.LocalHost, tunnel.LocalPort, m.TcpId, sink, onClose)
	if err != nil {
		slog.Warn("tcp_connect dial failed", "tcp_id", m.TcpId, "error", err)
		return
	}

	d.state.PutTcpFlow(m.TcpId, p.Inbound())
}

// onTcpData hands the chunk straight to the flow's channel rather than
// spawning a goroutine: the sender channel has no per-flow mutex, and a
// blocking send here (bounded, spec §5) keeps chunks for a single flow
// strictly in arrival order at the cost of occasionally delaying the next
// frame on the wire while a local origin catches up.
func (d *Dispatcher) onTcpData(m protocol.TcpDataIn) {
	sender, ok := d.state.TcpFlow(m.TcpId)
	if !ok {
		slog.Debug("tcp_data for unknown tcp_id, dropping", "tcp_id", m.TcpId)
		return
	}
	sender <- m.DecodedChunk()
}

func (d *Dispatcher) onTcpClose(m protocol.TcpCloseIn) {
	sender, ok := d.state.TcpFlow(m.TcpId)
	d.state.RemoveTcpFlow(m.TcpId)
	if !ok {
		return
	}
	close(sender)
}

func (d *Dispatcher) send(ctx context.Context, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("encoding outbound frame", "error", err)
		return
	}
	if err := d.sink.Enqueue(ctx, frame); err != nil {
		slog.Debug("dropping outbound frame, writer unavailable", "error", err)
	}
}
