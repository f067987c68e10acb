// Package tcpproxy implements the long-lived bidirectional byte bridge
// between a server-side TCP flow and a local TCP origin (component C4).
package tcpproxy

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tunnelagent/edge-agent/internal/protocol"
)

// readBufferSize is the chunk size used when reading from the local origin
// (spec §4.4: "8 KiB buffer").
const readBufferSize = 8 * 1024

// inboundQueueCapacity bounds the channel that accepts byte chunks the
// server wants written to the local origin (spec §5: "per-flow inbound 64").
const inboundQueueCapacity = 64

// OutboundSink receives messages this flow wants sent to the server
// (tcp_connected, tcp_data, tcp_close).
type OutboundSink func(msg any)

// Proxy is a live bridge for one TcpId.
type Proxy struct {
	id   protocol.TcpId
	conn net.Conn
	sink OutboundSink

	// inbound accepts chunks the server wants written to the local origin;
	// ClientState stores the send side as the flow's registered TcpSender.
	inbound chan []byte
	done    chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// Connect dials the local TCP origin for a tcp_connect request. On success
// it emits tcp_connected, spawns the reader/writer tasks, and returns the
// Proxy so the caller can register its Inbound() channel in ClientState. On
// failure it emits tcp_close{reason:"Connection failed: {e}"} and returns
// the dial error; the caller must not register a flow for it.
func Connect(localHost string, localPort int, id protocol.TcpId, sink OutboundSink, onClose func()) (*Proxy, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", localHost, localPort))
	if err != nil {
		sink(protocol.NewTcpCloseOut(id, fmt.Sprintf("Connection failed: %s", err)))
		return nil, err
	}

	p := &Proxy{
		id:      id,
		conn:    conn,
		sink:    sink,
		inbound: make(chan []byte, inboundQueueCapacity),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	sink(protocol.NewTcpConnected(id))

	go p.runReader()
	go p.runWriter()

	return p, nil
}

// Inbound returns the send side the dispatcher feeds tcp_data chunks into.
func (p *Proxy) Inbound() chan<- []byte {
	return p.inbound
}

// runReader reads from the local socket and forwards chunks toward the
// server. On EOF it emits tcp_close{reason:"closed"}; on any other error it
// emits tcp_close{reason: err.Error()}.
func (p *Proxy) runReader() {
	defer p.teardown()

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.sink(protocol.NewTcpDataOut(p.id, chunk))
		}
		if err != nil {
			if err == io.EOF {
				p.sink(protocol.NewTcpCloseOut(p.id, "closed"))
			} else {
				p.sink(protocol.NewTcpCloseOut(p.id, err.Error()))
			}
			return
		}
	}
}

// runWriter drains the inbound channel and writes chunks to the local
// socket, stopping on the first write error.
func (p *Proxy) runWriter() {
	defer p.teardown()

	for {
		select {
		case chunk, ok := <-p.inbound:
			if !ok {
				return
			}
			if _, err := p.conn.Write(chunk); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// teardown closes the connection and notifies ClientState to drop this
// flow. Whichever of reader/writer terminates first drives teardown; closing
// the connection unblocks the reader's Read and closing the done channel
// unblocks the writer's select, so the other exits too.
func (p *Proxy) teardown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
}
