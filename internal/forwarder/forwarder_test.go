package forwarder

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/tunnelagent/edge-agent/internal/protocol"
)

func testOrigin(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestForwardHappyPath(t *testing.T) {
	port := testOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hi" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("pong"))
	})

	resp, err := Forward(Request{
		LocalHost: "127.0.0.1",
		LocalPort: port,
		Method:    "GET",
		Path:      "/hi",
		Headers:   []protocol.HeaderPair{{"accept", "*/*"}},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != "pong" {
		t.Fatalf("expected body 'pong', got %q", resp.Body)
	}
	if !resp.BodyPresent {
		t.Fatal("expected body present")
	}
}

func TestForwardOriginDown(t *testing.T) {
	// Nothing listening on this port.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	_, err := Forward(Request{LocalHost: "127.0.0.1", LocalPort: port, Method: "GET", Path: "/"})
	if err == nil {
		t.Fatal("expected transport error for unreachable origin")
	}

	resp := BadGateway(err)
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Status)
	}
	if !strings.HasPrefix(string(resp.Body), "Bad Gateway: ") {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestForwardEmptyBodyIsAbsent(t *testing.T) {
	port := testOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})

	resp, err := Forward(Request{LocalHost: "127.0.0.1", LocalPort: port, Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.BodyPresent {
		t.Fatal("expected zero-length body to be reported absent")
	}
}

func TestForwardStripsHopByHopAndHost(t *testing.T) {
	port := testOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Error("expected Connection header stripped")
		}
		if r.Host == "public.example.com" {
			t.Error("expected public Host header stripped")
		}
		if r.Header.Get("X-Custom") != "keep-me" {
			t.Error("expected non-hop-by-hop header preserved")
		}
		w.WriteHeader(200)
	})

	_, err := Forward(Request{
		LocalHost: "127.0.0.1",
		LocalPort: port,
		Method:    "GET",
		Path:      "/",
		Headers: []protocol.HeaderPair{
			{"connection", "keep-alive"},
			{"host", "public.example.com"},
			{"x-custom", "keep-me"},
		},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardDisablesRedirects(t *testing.T) {
	port := testOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(302)
	})

	resp, err := Forward(Request{LocalHost: "127.0.0.1", LocalPort: port, Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != 302 {
		t.Fatalf("expected redirect to pass through verbatim, got %d", resp.Status)
	}
}
