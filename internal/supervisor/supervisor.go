// Package supervisor owns the control connection's lifetime (component C8):
// dialing, re-asserting tunnel registrations on reconnect, running the
// heartbeat, draining UI commands, and driving reconnect backoff.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelagent/edge-agent/internal/config"
	"github.com/tunnelagent/edge-agent/internal/dispatch"
	"github.com/tunnelagent/edge-agent/internal/protocol"
	"github.com/tunnelagent/edge-agent/internal/state"
	"github.com/tunnelagent/edge-agent/internal/uiapi"
	"github.com/tunnelagent/edge-agent/internal/writer"
)

const (
	initialBackoff = 1000 * time.Millisecond
	backoffCap     = 60000 * time.Millisecond
	backoffFactor  = 1.5
	maxAttempts    = 10

	heartbeatInterval = 25 * time.Second

	dialTimeout = 15 * time.Second
)

// tunnelsFileName is the intent mirror written under Config.DataDir.
const tunnelsFileName = "tunnels.json"

// Phase is the supervisor's connection-lifetime state (spec §4.8).
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseDisconnecting Phase = "disconnecting"
	PhaseReconnecting  Phase = "reconnecting"
	PhaseShutdown      Phase = "shutdown"
)

// Supervisor drives one agent's control-connection lifetime end to end.
type Supervisor struct {
	cfg   *config.Config
	state *state.ClientState
	ui    uiapi.Channels

	mu      sync.Mutex
	intents []state.TunnelConfig
	phase   Phase
}

// New creates a Supervisor over the given config and shared client state.
func New(cfg *config.Config, st *state.ClientState, ui uiapi.Channels) *Supervisor {
	s := &Supervisor{cfg: cfg, state: st, ui: ui}
	s.loadIntents()
	return s
}

// AddHttpTunnel records intent to register an HTTP tunnel on this and every
// future connection (spec §4.8: reconnect re-asserts every stored config).
func (s *Supervisor) AddHttpTunnel(localPort int, subdomain string) {
	s.mu.Lock()
	s.intents = append(s.intents, state.TunnelConfig{Http: &state.HttpTunnelIntent{LocalPort: localPort, Subdomain: subdomain}})
	s.mu.Unlock()
	s.saveIntents()
}

// AddTcpTunnel records intent to register a TCP tunnel.
func (s *Supervisor) AddTcpTunnel(localPort int) {
	s.mu.Lock()
	s.intents = append(s.intents, state.TunnelConfig{Tcp: &state.TcpTunnelIntent{LocalPort: localPort}})
	s.mu.Unlock()
	s.saveIntents()
}

// Run drives the connect/backoff loop until ctx is cancelled or the attempt
// cap is exhausted, in which case it returns a non-nil error (spec §4.8,
// property 6: the process must exit non-zero on exhaustion).
//
// attempt and backoff only ever track a *run* of back-to-back failures.
// When a connection that actually reached Connected ends, backoff returns
// to initialBackoff and attempt restarts at 1 (the lost connection is the
// first failure of the new run, announced as Reconnecting attempt 1), so a
// long-running agent that individually recovers from many transient
// outages never accumulates toward maxAttempts.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			s.setPhase(PhaseShutdown)
			s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusDisconnected, Reason: "shutdown"})
			return nil
		default:
		}

		if attempt == 0 {
			s.setPhase(PhaseConnecting)
			s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusConnecting})
		} else {
			s.setPhase(PhaseReconnecting)
			s.publish(uiapi.ConnectionStatus{
				Kind: uiapi.StatusReconnecting, Attempt: attempt,
				NextRetrySecs: int(backoff / time.Second),
			})
		}

		connected, err := s.runOneConnection(ctx)
		if ctx.Err() != nil {
			s.setPhase(PhaseShutdown)
			s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusDisconnected, Reason: "shutdown"})
			return nil
		}

		if connected {
			// The lost connection is the first failure of a new run.
			attempt = 1
			backoff = initialBackoff
		} else {
			attempt++
		}
		s.setPhase(PhaseDisconnecting)
		slog.Warn("control connection ended", "error", err, "attempt", attempt, "had_connected", connected)

		if attempt >= maxAttempts {
			reason := fmt.Sprintf("Failed after %d attempts: %v", attempt, err)
			s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusDisconnected, Reason: reason})
			return fmt.Errorf("%s", reason)
		}

		select {
		case <-ctx.Done():
			s.setPhase(PhaseShutdown)
			s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusDisconnected, Reason: "shutdown"})
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase reports the supervisor's current connection-lifetime state.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// nextBackoff implements spec §4.8 / §8 property 6:
// t_{k+1} = min(cap, floor(1.5 * t_k)).
func nextBackoff(t time.Duration) time.Duration {
	ms := math.Floor(float64(t/time.Millisecond) * backoffFactor)
	next := time.Duration(ms) * time.Millisecond
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// runOneConnection dials, runs one connection's worth of cooperating tasks,
// and returns when any of them ends (or ctx is cancelled). The client state
// is reset once the dial succeeds and again when the connection ends, so no
// identifier from this connection outlives it.
//
// The returned bool reports whether this attempt reached Connected (dialed
// and re-asserted every tunnel intent) before it ended, as opposed to
// failing during the dial itself — it is what Run uses to decide whether
// this was a "successful connect" that resets the backoff (spec §4.8).
func (s *Supervisor) runOneConnection(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.ControlURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dialing control connection: %w", err)
	}
	defer conn.Close()

	s.state.Reset()
	defer s.state.Reset()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := writer.New(conn)
	d := dispatch.New(s.state, w, s.ui)

	if err := s.reassertTunnels(connCtx, w); err != nil {
		return false, err
	}

	s.setPhase(PhaseConnected)
	s.publish(uiapi.ConnectionStatus{Kind: uiapi.StatusConnected})

	errc := make(chan error, 4)

	go func() { errc <- w.Run(connCtx) }()
	go func() { errc <- d.Run(connCtx, conn) }()
	go func() { errc <- s.runHeartbeat(connCtx, w) }()
	go func() { errc <- s.runCommandHandler(connCtx, w) }()

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-errc:
		return true, err
	}
}

// reassertTunnels replays every stored registration intent on a fresh
// connection (spec §8 property 5: reconnect preserves intent), in the order
// the intents were added.
func (s *Supervisor) reassertTunnels(ctx context.Context, w *writer.Writer) error {
	s.mu.Lock()
	intents := append([]state.TunnelConfig(nil), s.intents...)
	s.mu.Unlock()

	for _, intent := range intents {
		switch {
		case intent.Http != nil:
			s.state.PushPendingHttp(*intent.Http)
			msg := protocol.NewRegisterTunnel(s.cfg.Token, s.cfg.LocalHost, intent.Http.LocalPort, intent.Http.Subdomain)
			if err := enqueue(ctx, w, msg); err != nil {
				return err
			}
		case intent.Tcp != nil:
			s.state.PushPendingTcp(*intent.Tcp)
			msg := protocol.NewRegisterTcpTunnel(intent.Tcp.LocalPort)
			if err := enqueue(ctx, w, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) runHeartbeat(ctx context.Context, w *writer.Writer) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := enqueue(ctx, w, protocol.NewHeartbeatOut()); err != nil {
				return err
			}
		}
	}
}

// runCommandHandler drains UI-originated requests to register new tunnels
// mid-connection, recording intent so it survives future reconnects too.
func (s *Supervisor) runCommandHandler(ctx context.Context, w *writer.Writer) error {
	if s.ui.Commands == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-s.ui.Commands:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			switch cmd.Kind {
			case uiapi.CommandAddHttpTunnel:
				s.AddHttpTunnel(cmd.LocalPort, cmd.Subdomain)
				s.state.PushPendingHttp(state.HttpTunnelIntent{LocalPort: cmd.LocalPort, Subdomain: cmd.Subdomain})
				msg := protocol.NewRegisterTunnel(s.cfg.Token, s.cfg.LocalHost, cmd.LocalPort, cmd.Subdomain)
				if err := enqueue(ctx, w, msg); err != nil {
					return err
				}
			case uiapi.CommandAddTcpTunnel:
				s.AddTcpTunnel(cmd.LocalPort)
				s.state.PushPendingTcp(state.TcpTunnelIntent{LocalPort: cmd.LocalPort})
				msg := protocol.NewRegisterTcpTunnel(cmd.LocalPort)
				if err := enqueue(ctx, w, msg); err != nil {
					return err
				}
			}
		}
	}
}

func enqueue(ctx context.Context, w *writer.Writer, msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound frame: %w", err)
	}
	return w.Enqueue(ctx, frame)
}

func (s *Supervisor) publish(status uiapi.ConnectionStatus) {
	s.ui.Emit(uiapi.Event{Kind: uiapi.EventConnectionStatus, ConnectionStatus: status})
}

// --- tunnel-intent persistence (SPEC_FULL.md §4.8 addition) ---

func (s *Supervisor) intentsPath() string {
	if s.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.DataDir, tunnelsFileName)
}

// loadIntents restores previously-requested tunnels so a restarted agent
// re-requests the same set it had before exiting. Best-effort: a missing or
// corrupt file just starts with no prior intents.
func (s *Supervisor) loadIntents() {
	path := s.intentsPath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("reading persisted tunnel intents", "path", path, "error", err)
		}
		return
	}
	var intents []state.TunnelConfig
	if err := json.Unmarshal(data, &intents); err != nil {
		slog.Warn("parsing persisted tunnel intents", "path", path, "error", err)
		return
	}
	s.mu.Lock()
	s.intents = intents
	s.mu.Unlock()
}

// saveIntents mirrors the current intent list to disk, matching the
// teacher's saveRegistration discipline (0o600, best-effort).
func (s *Supervisor) saveIntents() {
	path := s.intentsPath()
	if path == "" {
		return
	}
	s.mu.Lock()
	data, err := json.Marshal(s.intents)
	s.mu.Unlock()
	if err != nil {
		slog.Warn("marshalling tunnel intents", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("writing persisted tunnel intents", "path", path, "error", err)
	}
}
