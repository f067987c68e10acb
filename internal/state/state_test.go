package state

import "testing"

type fakeWsProxy struct {
	closed bool
	code   int
	reason string
	sent   [][]byte
}

func (f *fakeWsProxy) Enqueue(opcode string, payload []byte) {
	f.sent = append(f.sent, payload)
}

func (f *fakeWsProxy) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func TestPendingHttpFIFO(t *testing.T) {
	s := New("localhost")
	s.PushPendingHttp(HttpTunnelIntent{LocalPort: 8080})
	s.PushPendingHttp(HttpTunnelIntent{LocalPort: 9090})

	first, ok := s.PopPendingHttp()
	if !ok || first.LocalPort != 8080 {
		t.Fatalf("expected first=8080, got %+v ok=%v", first, ok)
	}
	second, ok := s.PopPendingHttp()
	if !ok || second.LocalPort != 9090 {
		t.Fatalf("expected second=9090, got %+v ok=%v", second, ok)
	}
	if _, ok := s.PopPendingHttp(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestWsFlowLifecycle(t *testing.T) {
	s := New("localhost")
	proxy := &fakeWsProxy{}
	s.PutWsFlow("w1", proxy)

	got, ok := s.WsFlow("w1")
	if !ok || got != proxy {
		t.Fatalf("expected stored proxy back, ok=%v", ok)
	}

	s.RemoveWsFlow("w1")
	if _, ok := s.WsFlow("w1"); ok {
		t.Fatal("expected flow removed")
	}
}

func TestResetClearsEverything(t *testing.T) {
	s := New("localhost")
	s.PushPendingHttp(HttpTunnelIntent{LocalPort: 1})
	s.PutHttpTunnel("t1", TunnelInfo{LocalPort: 1})
	s.PutWsFlow("w1", &fakeWsProxy{})
	ch := make(chan []byte, 1)
	s.PutTcpFlow("c1", ch)

	s.Reset()

	if _, ok := s.PopPendingHttp(); ok {
		t.Fatal("expected pending queue cleared")
	}
	if _, ok := s.HttpTunnel("t1"); ok {
		t.Fatal("expected tunnel registry cleared")
	}
	if _, ok := s.WsFlow("w1"); ok {
		t.Fatal("expected ws flows cleared")
	}
	if _, ok := s.TcpFlow("c1"); ok {
		t.Fatal("expected tcp flows cleared")
	}
}
