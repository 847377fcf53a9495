package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamgarcia4/gmcast/gmcast"
)

/*
TCP realization of the gmcast transport interfaces.

Connections exchange length-delimited datagrams: a u32 big-endian length
followed by the frame bytes. Connects are non-blocking from the engine's
point of view: Connect returns a transport in CONNECTING state and the dial
completes on a background goroutine, reported to the event loop as a
zero-length readiness event. Reads run on one goroutine per connection and
are likewise delivered as events keyed by the connection id.
*/

const (
	// maxFrameSize bounds a single datagram. Anything larger is treated
	// as a broken peer.
	maxFrameSize = 16 << 20

	dialTimeout = 3 * time.Second
)

// TCPNet creates listeners and outbound connections and funnels their
// readiness events into a single channel for the owning event loop.
type TCPNet struct {
	events chan<- gmcast.Event
	done   chan struct{}
	nextFD atomic.Int64
}

// NewTCPNet returns a Net delivering events to the given channel until
// Shutdown is called.
func NewTCPNet(events chan<- gmcast.Event) *TCPNet {
	return &TCPNet{
		events: events,
		done:   make(chan struct{}),
	}
}

// Shutdown unblocks every goroutine still trying to post an event. Call
// after the event loop has stopped draining.
func (n *TCPNet) Shutdown() {
	close(n.done)
}

func (n *TCPNet) post(ev gmcast.Event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *TCPNet) fd() int {
	return int(n.nextFD.Add(1))
}

// Resolve canonicalizes a tcp://host:port address to its resolved numeric
// form. Equality of canonical addresses is bytewise.
func (n *TCPNet) Resolve(addr string) (string, error) {
	hostport, ok := strings.CutPrefix(addr, gmcast.TCPScheme+"://")
	if !ok {
		return "", fmt.Errorf("address %q is not a tcp address", addr)
	}
	ta, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", addr, err)
	}
	return gmcast.TCPScheme + "://" + ta.String(), nil
}

// Listen opens a TCP listener and starts accepting in the background.
// Accepted connections queue up until the engine collects them in response
// to the listener readiness event.
func (n *TCPNet) Listen(addr string) (gmcast.Listener, error) {
	hostport, ok := strings.CutPrefix(addr, gmcast.TCPScheme+"://")
	if !ok {
		return nil, fmt.Errorf("address %q is not a tcp address", addr)
	}
	nl, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &tcpListener{
		net: n,
		fd:  n.fd(),
		nl:  nl,
	}
	go l.acceptLoop()
	return l, nil
}

// Connect starts a non-blocking dial. Completion or failure arrives as a
// zero-length event for the returned transport's fd.
func (n *TCPNet) Connect(addr string) (gmcast.Transport, error) {
	hostport, ok := strings.CutPrefix(addr, gmcast.TCPScheme+"://")
	if !ok {
		return nil, fmt.Errorf("address %q is not a tcp address", addr)
	}

	t := &tcpTransport{
		net:   n,
		fd:    n.fd(),
		state: gmcast.TransportConnecting,
	}
	go t.dial(hostport)
	return t, nil
}

type tcpListener struct {
	net *TCPNet
	fd  int
	nl  net.Listener

	mu      sync.Mutex
	backlog []net.Conn
	closed  bool
}

func (l *tcpListener) FD() int { return l.fd }

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.nl.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.backlog = append(l.backlog, conn)
		l.mu.Unlock()
		l.net.post(gmcast.Event{FD: l.fd})
	}
}

// Accept hands out one queued connection and starts its reader.
func (l *tcpListener) Accept() (gmcast.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.backlog) == 0 {
		return nil, fmt.Errorf("accept: no connection ready")
	}
	conn := l.backlog[0]
	l.backlog = l.backlog[1:]

	t := &tcpTransport{
		net:   l.net,
		fd:    l.net.fd(),
		conn:  conn,
		state: gmcast.TransportConnected,
	}
	go t.readLoop()
	return t, nil
}

func (l *tcpListener) Close() error {
	l.mu.Lock()
	l.closed = true
	backlog := l.backlog
	l.backlog = nil
	l.mu.Unlock()
	for _, c := range backlog {
		_ = c.Close()
	}
	return l.nl.Close()
}

type tcpTransport struct {
	net  *TCPNet
	fd   int
	conn net.Conn

	mu    sync.Mutex
	state gmcast.TransportState
}

func (t *tcpTransport) FD() int { return t.fd }

func (t *tcpTransport) State() gmcast.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tcpTransport) setState(s gmcast.TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *tcpTransport) dial(hostport string) {
	conn, err := net.DialTimeout("tcp", hostport, dialTimeout)

	t.mu.Lock()
	if t.state != gmcast.TransportConnecting {
		// Closed while dialing.
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.state = gmcast.TransportFailed
		t.mu.Unlock()
		t.net.post(gmcast.Event{FD: t.fd})
		return
	}
	t.conn = conn
	t.state = gmcast.TransportConnected
	t.mu.Unlock()

	t.net.post(gmcast.Event{FD: t.fd})
	t.readLoop()
}

func (t *tcpTransport) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
			t.fail()
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size > maxFrameSize {
			t.fail()
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(t.conn, buf); err != nil {
			t.fail()
			return
		}
		t.net.post(gmcast.Event{FD: t.fd, Data: buf})
	}
}

// fail flips the transport to FAILED and notifies the event loop with a
// zero-length event, unless it was deliberately closed.
func (t *tcpTransport) fail() {
	t.mu.Lock()
	if t.state == gmcast.TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = gmcast.TransportFailed
	t.mu.Unlock()
	t.net.post(gmcast.Event{FD: t.fd})
}

func (t *tcpTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != gmcast.TransportConnected {
		return fmt.Errorf("transport %d not connected (%v)", t.fd, t.state)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := t.conn.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.state == gmcast.TransportClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = gmcast.TransportClosed
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
