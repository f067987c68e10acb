// Package state holds the in-memory registry of tunnels, pending
// registrations, and active flows that the dispatcher consults on every
// inbound frame. It is guarded by a reader-writer lock: lookups are frequent
// and must never block on network I/O, mutations are rare (registration,
// flow create/destroy).
package state

import (
	"sync"

	"github.com/tunnelagent/edge-agent/internal/protocol"
)

// TunnelConfig is the registration intent the supervisor re-asserts on every
// reconnect. Exactly one of Http/Tcp is populated.
type TunnelConfig struct {
	Http *HttpTunnelIntent
	Tcp  *TcpTunnelIntent
}

type HttpTunnelIntent struct {
	LocalPort int
	Subdomain string // may be empty
}

type TcpTunnelIntent struct {
	LocalPort int
}

// TunnelInfo is the server-confirmed registration for an HTTP tunnel.
type TunnelInfo struct {
	FullUrl   string
	LocalHost string
	LocalPort int
}

// TcpTunnelInfo is the server-confirmed registration for a TCP tunnel.
type TcpTunnelInfo struct {
	ServerPort int
	LocalHost  string
	LocalPort  int
}

// WsProxy is the minimal interface the dispatcher needs from a live
// WebSocket flow; internal/wsproxy.Proxy satisfies it.
type WsProxy interface {
	Enqueue(opcode string, payload []byte)
	Close(code int, reason string)
}

// TcpSender is the channel-shaped handle the dispatcher writes tcp_data
// chunks into; internal/tcpproxy uses a plain chan []byte for this.
type TcpSender = chan<- []byte

// ClientState is the shared registry described in spec §4.5 and §3.
type ClientState struct {
	mu sync.RWMutex

	localHost string

	httpTunnels map[protocol.TunnelId]TunnelInfo
	tcpTunnels  map[protocol.TcpTunnelId]TcpTunnelInfo

	pendingHttp []HttpTunnelIntent
	pendingTcp  []TcpTunnelIntent

	wsFlows  map[protocol.WsId]WsProxy
	tcpFlows map[protocol.TcpId]TcpSender
}

// New creates an empty ClientState scoped to the given local host.
func New(localHost string) *ClientState {
	return &ClientState{
		localHost:   localHost,
		httpTunnels: make(map[protocol.TunnelId]TunnelInfo),
		tcpTunnels:  make(map[protocol.TcpTunnelId]TcpTunnelInfo),
		wsFlows:     make(map[protocol.WsId]WsProxy),
		tcpFlows:    make(map[protocol.TcpId]TcpSender),
	}
}

// LocalHost returns the configured local host every proxy dials into.
func (s *ClientState) LocalHost() string {
	return s.localHost
}

// Reset clears all registrations and flows. Called on disconnect: spec
// invariant 5 says identifiers from a prior connection are invalid after
// reconnect, so all flow state is dropped and rebuilt on demand.
func (s *ClientState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.httpTunnels = make(map[protocol.TunnelId]TunnelInfo)
	s.tcpTunnels = make(map[protocol.TcpTunnelId]TcpTunnelInfo)
	s.pendingHttp = nil
	s.pendingTcp = nil
	s.wsFlows = make(map[protocol.WsId]WsProxy)
	s.tcpFlows = make(map[protocol.TcpId]TcpSender)
}

// --- pending registration queues ---

// PushPendingHttp enqueues an outstanding register_tunnel awaiting confirmation.
func (s *ClientState) PushPendingHttp(intent HttpTunnelIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHttp = append(s.pendingHttp, intent)
}

// PopPendingHttp pairs the next tunnel_registered reply with the oldest
// outstanding request, in arrival order. ok is false if the queue is empty
// (an unsolicited confirmation — still handled by the caller via fallback).
func (s *ClientState) PopPendingHttp() (HttpTunnelIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingHttp) == 0 {
		return HttpTunnelIntent{}, false
	}
	head := s.pendingHttp[0]
	s.pendingHttp = s.pendingHttp[1:]
	return head, true
}

func (s *ClientState) PushPendingTcp(intent TcpTunnelIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTcp = append(s.pendingTcp, intent)
}

func (s *ClientState) PopPendingTcp() (TcpTunnelIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingTcp) == 0 {
		return TcpTunnelIntent{}, false
	}
	head := s.pendingTcp[0]
	s.pendingTcp = s.pendingTcp[1:]
	return head, true
}

// --- tunnel registries ---

func (s *ClientState) PutHttpTunnel(id protocol.TunnelId, info TunnelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpTunnels[id] = info
}

func (s *ClientState) HttpTunnel(id protocol.TunnelId) (TunnelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.httpTunnels[id]
	return info, ok
}

func (s *ClientState) PutTcpTunnel(id protocol.TcpTunnelId, info TcpTunnelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpTunnels[id] = info
}

func (s *ClientState) TcpTunnel(id protocol.TcpTunnelId) (TcpTunnelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.tcpTunnels[id]
	return info, ok
}

// --- WS flows ---

func (s *ClientState) PutWsFlow(id protocol.WsId, p WsProxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsFlows[id] = p
}

func (s *ClientState) WsFlow(id protocol.WsId) (WsProxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.wsFlows[id]
	return p, ok
}

func (s *ClientState) RemoveWsFlow(id protocol.WsId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wsFlows, id)
}

// --- TCP flows ---

func (s *ClientState) PutTcpFlow(id protocol.TcpId, sender TcpSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpFlows[id] = sender
}

func (s *ClientState) TcpFlow(id protocol.TcpId) (TcpSender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sender, ok := s.tcpFlows[id]
	return sender, ok
}

func (s *ClientState) RemoveTcpFlow(id protocol.TcpId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tcpFlows, id)
}
