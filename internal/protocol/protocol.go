// Package protocol defines the wire messages exchanged with the tunnel server
// over the control connection and the body-encoding discipline shared by the
// HTTP, WebSocket and TCP proxies.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Opaque, server-assigned identifiers. The client only stores and echoes
// these; the distinct types keep them from being mixed up at call sites.
type (
	TunnelId    string
	RequestId   string
	WsId        string
	TcpTunnelId string
	TcpId       string
)

// Client → server message type tags.
const (
	TypeRegisterTunnel    = "register_tunnel"
	TypeTunnelResponse    = "tunnel_response"
	TypeWsUpgraded        = "ws_upgraded"
	TypeWsFrame           = "ws_frame"
	TypeWsClose           = "ws_close"
	TypeRegisterTcpTunnel = "register_tcp_tunnel"
	TypeTcpConnected      = "tcp_connected"
	TypeTcpData           = "tcp_data"
	TypeTcpClose          = "tcp_close"
	TypeHeartbeat         = "heartbeat"
)

// Server → client message type tags.
const (
	TypeTunnelRegistered    = "tunnel_registered"
	TypeTunnelRequest       = "tunnel_request"
	TypeWsUpgrade           = "ws_upgrade"
	TypeTcpTunnelRegistered = "tcp_tunnel_registered"
	TypeTcpConnect          = "tcp_connect"
	TypeError               = "error"
)

// base64Tag is the only value the "*_encoding" fields ever carry.
const base64Tag = "base64"

// MalformedFrameError reports an inbound frame that failed to parse or was
// missing a field required for its type. The connection is not torn down
// because of it (the server is the authority on its own protocol version).
type MalformedFrameError struct {
	Type   string
	Reason string
}

func (e *MalformedFrameError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("malformed frame: %s", e.Reason)
	}
	return fmt.Sprintf("malformed frame (type=%s): %s", e.Type, e.Reason)
}

// ---- outbound (client -> server) ----

type RegisterTunnel struct {
	Type               string `json:"type"`
	Token              string `json:"token"`
	LocalHost          string `json:"local_host"`
	LocalPort          int    `json:"local_port"`
	RequestedSubdomain string `json:"requested_subdomain,omitempty"`
}

func NewRegisterTunnel(token, localHost string, localPort int, subdomain string) RegisterTunnel {
	return RegisterTunnel{
		Type:               TypeRegisterTunnel,
		Token:              token,
		LocalHost:          localHost,
		LocalPort:          localPort,
		RequestedSubdomain: subdomain,
	}
}

type RegisterTcpTunnel struct {
	Type      string `json:"type"`
	LocalPort int    `json:"local_port"`
}

func NewRegisterTcpTunnel(localPort int) RegisterTcpTunnel {
	return RegisterTcpTunnel{Type: TypeRegisterTcpTunnel, LocalPort: localPort}
}

// HeaderPair mirrors the wire representation [key, value] used for header lists.
type HeaderPair [2]string

type TunnelResponse struct {
	Type          string       `json:"type"`
	RequestId     RequestId    `json:"request_id"`
	Status        int          `json:"status"`
	Headers       []HeaderPair `json:"headers"`
	Body          string       `json:"body,omitempty"`
	BodyEncoding  string       `json:"body_encoding,omitempty"`
}

func NewTunnelResponse(id RequestId, status int, headers []HeaderPair, body []byte, bodyPresent bool) TunnelResponse {
	resp := TunnelResponse{
		Type:      TypeTunnelResponse,
		RequestId: id,
		Status:    status,
		Headers:   headers,
	}
	if bodyPresent {
		value, enc := EncodeBody(body)
		resp.Body = value
		resp.BodyEncoding = enc
	}
	return resp
}

type WsUpgraded struct {
	Type    string       `json:"type"`
	WsId    WsId         `json:"ws_id"`
	Headers []HeaderPair `json:"headers"`
}

func NewWsUpgraded(id WsId) WsUpgraded {
	return WsUpgraded{Type: TypeWsUpgraded, WsId: id, Headers: []HeaderPair{}}
}

type WsFrameOut struct {
	Type         string `json:"type"`
	WsId         WsId   `json:"ws_id"`
	Opcode       string `json:"opcode"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding,omitempty"`
}

// NewWsFrameOut encodes a server-bound WS frame. Per spec §4.3, "text" uses
// the general UTF-8-conditional body rule (§4.1), but "binary", "ping" and
// "pong" are always base64-encoded regardless of UTF-8 validity — their
// payloads aren't text, so the encoding tag must say so unconditionally.
func NewWsFrameOut(id WsId, opcode string, payload []byte) WsFrameOut {
	var value, enc string
	switch opcode {
	case "binary", "ping", "pong":
		value = base64.StdEncoding.EncodeToString(payload)
		enc = base64Tag
	default:
		value, enc = EncodeBody(payload)
	}
	return WsFrameOut{Type: TypeWsFrame, WsId: id, Opcode: opcode, Data: value, DataEncoding: enc}
}

type WsCloseOut struct {
	Type   string `json:"type"`
	WsId   WsId   `json:"ws_id"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func NewWsCloseOut(id WsId, code int, reason string) WsCloseOut {
	if code == 0 {
		code = 1000
	}
	return WsCloseOut{Type: TypeWsClose, WsId: id, Code: code, Reason: reason}
}

type TcpConnected struct {
	Type  string `json:"type"`
	TcpId TcpId  `json:"tcp_id"`
}

func NewTcpConnected(id TcpId) TcpConnected {
	return TcpConnected{Type: TypeTcpConnected, TcpId: id}
}

type TcpDataOut struct {
	Type         string `json:"type"`
	TcpId        TcpId  `json:"tcp_id"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding"`
}

// NewTcpDataOut always base64-encodes — spec §6.1 marks tcp_data's
// data_encoding as "always base64" regardless of UTF-8 validity.
func NewTcpDataOut(id TcpId, chunk []byte) TcpDataOut {
	return TcpDataOut{
		Type:         TypeTcpData,
		TcpId:        id,
		Data:         base64.StdEncoding.EncodeToString(chunk),
		DataEncoding: base64Tag,
	}
}

type TcpCloseOut struct {
	Type   string `json:"type"`
	TcpId  TcpId  `json:"tcp_id"`
	Reason string `json:"reason"`
}

func NewTcpCloseOut(id TcpId, reason string) TcpCloseOut {
	return TcpCloseOut{Type: TypeTcpClose, TcpId: id, Reason: reason}
}

type HeartbeatOut struct {
	Type string `json:"type"`
}

func NewHeartbeatOut() HeartbeatOut {
	return HeartbeatOut{Type: TypeHeartbeat}
}

// ---- inbound (server -> client) ----

// tagPeek is used to read the "type" discriminator before deciding which
// concrete struct to unmarshal into.
type tagPeek struct {
	Type string `json:"type"`
}

type TunnelRegistered struct {
	Type      string      `json:"type"`
	TunnelId  TunnelId    `json:"tunnel_id"`
	Subdomain string      `json:"subdomain"`
	FullUrl   string      `json:"full_url"`
}

type TunnelRequest struct {
	Type        string       `json:"type"`
	RequestId   RequestId    `json:"request_id"`
	TunnelId    TunnelId     `json:"tunnel_id"`
	Method      string       `json:"method"`
	Path        string       `json:"path"`
	QueryString string       `json:"query_string"`
	Headers     []HeaderPair `json:"headers"`
	Body        *string      `json:"body,omitempty"`
	BodyEncoding string      `json:"body_encoding,omitempty"`
	ClientIP    string       `json:"client_ip,omitempty"`
}

// DecodedBody returns the raw request body. ok is false when the field was
// absent from the frame (as opposed to present-and-empty).
func (r *TunnelRequest) DecodedBody() (data []byte, ok bool, err error) {
	if r.Body == nil {
		return nil, false, nil
	}
	data, err = DecodeBody(*r.Body, r.BodyEncoding)
	return data, true, err
}

type WsUpgrade struct {
	Type     string       `json:"type"`
	WsId     WsId         `json:"ws_id"`
	TunnelId TunnelId     `json:"tunnel_id"`
	Path     string       `json:"path"`
	Headers  []HeaderPair `json:"headers"`
}

type WsFrameIn struct {
	Type         string `json:"type"`
	WsId         WsId   `json:"ws_id"`
	Opcode       string `json:"opcode"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding,omitempty"`
}

func (f *WsFrameIn) DecodedPayload() ([]byte, error) {
	return DecodeBody(f.Data, f.DataEncoding)
}

type WsCloseIn struct {
	Type   string `json:"type"`
	WsId   WsId   `json:"ws_id"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type TcpTunnelRegistered struct {
	Type        string      `json:"type"`
	TcpTunnelId TcpTunnelId `json:"tcp_tunnel_id"`
	ServerPort  int         `json:"server_port"`
	LocalPort   int         `json:"local_port"`
}

type TcpConnect struct {
	Type        string      `json:"type"`
	TcpId       TcpId       `json:"tcp_id"`
	TcpTunnelId TcpTunnelId `json:"tcp_tunnel_id"`
}

type TcpDataIn struct {
	Type         string `json:"type"`
	TcpId        TcpId  `json:"tcp_id"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding,omitempty"`
}

// DecodedChunk best-effort decodes the payload. Per spec §4.1, a base64
// decode failure yields empty bytes for TCP rather than propagating an error.
func (d *TcpDataIn) DecodedChunk() []byte {
	chunk, err := DecodeBody(d.Data, d.DataEncoding)
	if err != nil {
		return nil
	}
	return chunk
}

type TcpCloseIn struct {
	Type   string `json:"type"`
	TcpId  TcpId  `json:"tcp_id"`
	Reason string `json:"reason,omitempty"`
}

type HeartbeatIn struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses a single inbound text frame and returns the concrete message
// struct (by value) matching its "type" tag. Unknown tags and frames missing
// a field required by their type are reported as *MalformedFrameError.
func Decode(raw []byte) (any, error) {
	var peek tagPeek
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	switch peek.Type {
	case TypeTunnelRegistered:
		var m TunnelRegistered
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.TunnelId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing tunnel_id"}
		}
		return m, nil

	case TypeTunnelRequest:
		var m TunnelRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.RequestId == "" || m.Method == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing request_id or method"}
		}
		return m, nil

	case TypeWsUpgrade:
		var m WsUpgrade
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.WsId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing ws_id"}
		}
		return m, nil

	case TypeWsFrame:
		var m WsFrameIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.WsId == "" || m.Opcode == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing ws_id or opcode"}
		}
		return m, nil

	case TypeWsClose:
		var m WsCloseIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.WsId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing ws_id"}
		}
		return m, nil

	case TypeTcpTunnelRegistered:
		var m TcpTunnelRegistered
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.TcpTunnelId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing tcp_tunnel_id"}
		}
		return m, nil

	case TypeTcpConnect:
		var m TcpConnect
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.TcpId == "" || m.TcpTunnelId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing tcp_id or tcp_tunnel_id"}
		}
		return m, nil

	case TypeTcpData:
		var m TcpDataIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.TcpId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing tcp_id"}
		}
		return m, nil

	case TypeTcpClose:
		var m TcpCloseIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		if m.TcpId == "" {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: "missing tcp_id"}
		}
		return m, nil

	case TypeHeartbeat:
		return HeartbeatIn{Type: peek.Type}, nil

	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &MalformedFrameError{Type: peek.Type, Reason: err.Error()}
		}
		return m, nil

	case "":
		return nil, &MalformedFrameError{Reason: "missing type field"}

	default:
		return nil, &MalformedFrameError{Type: peek.Type, Reason: "unknown message type"}
	}
}

// Encode marshals any outbound message struct to its wire JSON form.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeBody implements the body-encoding rule from spec §4.1:
//   - nil (absent)            -> handled by the caller (field omitted)
//   - empty, valid UTF-8      -> raw string, no encoding tag
//   - non-empty, valid UTF-8  -> raw string, no encoding tag
//   - otherwise               -> base64, tagged "base64"
func EncodeBody(data []byte) (value string, encoding string) {
	if len(data) == 0 {
		return "", ""
	}
	if utf8.Valid(data) {
		return string(data), ""
	}
	return base64.StdEncoding.EncodeToString(data), base64Tag
}

// DecodeBody is the inverse of EncodeBody/wire encoding: "base64" decodes the
// value, anything else (or an absent tag) is taken as the raw UTF-8 bytes of
// the string.
func DecodeBody(value string, encoding string) ([]byte, error) {
	if encoding == base64Tag {
		return base64.StdEncoding.DecodeString(value)
	}
	return []byte(value), nil
}
