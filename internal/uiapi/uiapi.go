// Package uiapi defines the event/command contract between the connection
// supervisor and the (out of scope, per spec.md §1) terminal UI collaborator.
// The supervisor only needs to publish events and drain commands; it never
// renders anything itself.
package uiapi

import "github.com/tunnelagent/edge-agent/internal/protocol"

// EventKind identifies the shape of an Event's payload.
type EventKind string

const (
	EventTunnelRegistered    EventKind = "tunnel_registered"
	EventTcpTunnelRegistered EventKind = "tcp_tunnel_registered"
	EventRequestReceived     EventKind = "request_received"
	EventResponseSent        EventKind = "response_sent"
	EventConnectionStatus    EventKind = "connection_status"
)

// ConnectionStatusKind identifies the supervisor's current state machine phase.
type ConnectionStatusKind string

const (
	StatusConnecting   ConnectionStatusKind = "connecting"
	StatusConnected    ConnectionStatusKind = "connected"
	StatusReconnecting ConnectionStatusKind = "reconnecting"
	StatusDisconnected ConnectionStatusKind = "disconnected"
)

// ConnectionStatus is the payload of an EventConnectionStatus event.
type ConnectionStatus struct {
	Kind          ConnectionStatusKind
	Attempt       int
	Reason        string
	NextRetrySecs int
}

// Event is a single notification pushed out to the UI collaborator.
type Event struct {
	Kind             EventKind
	TunnelId         protocol.TunnelId
	TcpTunnelId      protocol.TcpTunnelId
	RequestId        protocol.RequestId
	Subdomain        string
	FullUrl          string
	ServerPort       int
	LocalPort        int
	Status           int
	ConnectionStatus ConnectionStatus
}

// CommandKind identifies the shape of a Command's payload.
type CommandKind string

const (
	CommandAddHttpTunnel CommandKind = "add_http_tunnel"
	CommandAddTcpTunnel  CommandKind = "add_tcp_tunnel"
)

// Command is a request from the UI collaborator to register a new tunnel.
type Command struct {
	Kind      CommandKind
	LocalPort int
	Subdomain string // only meaningful for CommandAddHttpTunnel
}

// Channels bundles the two directions of the UI collaborator contract. A nil
// Events channel means nobody is listening; sends are dropped rather than
// blocking the supervisor. Commands is read by the supervisor; closing it
// signals no more tunnels will be requested (but does not by itself trigger
// shutdown).
type Channels struct {
	Events   chan<- Event
	Commands <-chan Command
}

// Emit sends an event without blocking when there is no listener or the
// listener is slow; a full or nil channel simply drops the event.
func (c Channels) Emit(ev Event) {
	if c.Events == nil {
		return
	}
	select {
	case c.Events <- ev:
	default:
	}
}
