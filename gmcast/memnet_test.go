package gmcast

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

/*
In-memory transport for deterministic engine tests.

Every engine gets its own memNet holding a queue of readiness events; the
hub wires listeners and dials together. Nothing runs concurrently: the test
pumps queued events into the engines until the mesh quiesces, and a fake
clock drives the reconnect timers.
*/

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type memHub struct {
	nextFD    int
	listeners map[string]*memListener
	dials     int
}

func newMemHub() *memHub {
	return &memHub{listeners: make(map[string]*memListener)}
}

func (h *memHub) fd() int {
	h.nextFD++
	return h.nextFD
}

func (h *memHub) newNet() *memNet {
	return &memNet{hub: h}
}

type memNet struct {
	hub   *memHub
	queue []Event
}

func (n *memNet) push(ev Event) {
	n.queue = append(n.queue, ev)
}

func (n *memNet) Resolve(addr string) (string, error) {
	if !strings.HasPrefix(addr, TCPScheme+"://") {
		return "", fmt.Errorf("address %q is not a tcp address", addr)
	}
	return addr, nil
}

func (n *memNet) Listen(addr string) (Listener, error) {
	if _, ok := n.hub.listeners[addr]; ok {
		return nil, fmt.Errorf("address %s in use", addr)
	}
	l := &memListener{net: n, fd: n.hub.fd(), addr: addr}
	n.hub.listeners[addr] = l
	return l, nil
}

func (n *memNet) Connect(addr string) (Transport, error) {
	n.hub.dials++

	t := &memTransport{net: n, fd: n.hub.fd()}
	l, ok := n.hub.listeners[addr]
	if !ok || l.closed {
		// The dial "completes" asynchronously with a failure.
		t.state = TransportFailed
		n.push(Event{FD: t.fd})
		return t, nil
	}

	peer := &memTransport{net: l.net, fd: n.hub.fd(), state: TransportConnected}
	t.peer, peer.peer = peer, t
	t.state = TransportConnected
	l.backlog = append(l.backlog, peer)

	n.push(Event{FD: t.fd})
	l.net.push(Event{FD: l.fd})
	return t, nil
}

type memListener struct {
	net     *memNet
	fd      int
	addr    string
	backlog []*memTransport
	closed  bool
}

func (l *memListener) FD() int { return l.fd }

func (l *memListener) Accept() (Transport, error) {
	if len(l.backlog) == 0 {
		return nil, fmt.Errorf("accept: no connection ready")
	}
	t := l.backlog[0]
	l.backlog = l.backlog[1:]
	return t, nil
}

func (l *memListener) Close() error {
	l.closed = true
	delete(l.net.hub.listeners, l.addr)
	for _, t := range l.backlog {
		_ = t.Close()
	}
	l.backlog = nil
	return nil
}

type memTransport struct {
	net   *memNet
	fd    int
	state TransportState
	peer  *memTransport
}

func (t *memTransport) FD() int               { return t.fd }
func (t *memTransport) State() TransportState { return t.state }

func (t *memTransport) Send(payload []byte) error {
	if t.state != TransportConnected {
		return fmt.Errorf("transport %d not connected (%v)", t.fd, t.state)
	}
	if t.peer == nil || t.peer.state != TransportConnected {
		return fmt.Errorf("transport %d: broken pipe", t.fd)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.peer.net.push(Event{FD: t.peer.fd, Data: cp})
	return nil
}

func (t *memTransport) Close() error {
	if t.state == TransportClosed {
		return nil
	}
	t.state = TransportClosed
	if t.peer != nil && t.peer.state == TransportConnected {
		t.peer.state = TransportFailed
		t.peer.net.push(Event{FD: t.peer.fd})
	}
	return nil
}

// testNode bundles an engine with its net, clock, and captured deliveries.
type testNode struct {
	eng       *Engine
	net       *memNet
	clock     *fakeClock
	delivered []string
	sources   []uuid.UUID
}

// nodeUUID returns a stable, non-nil uuid derived from id.
func nodeUUID(id byte) uuid.UUID {
	var u uuid.UUID
	u[0] = id
	u[15] = id
	return u
}

// hsUUIDSource mints handshake uuids ordered by prefix first, so tests can
// force which duplicate connection wins arbitration.
func hsUUIDSource(prefix byte) func() uuid.UUID {
	var seq byte
	return func() uuid.UUID {
		seq++
		var u uuid.UUID
		u[0] = prefix
		u[15] = seq
		return u
	}
}

func newTestNode(t *testing.T, hub *memHub, clock *fakeClock, rawURL string, id byte) *testNode {
	t.Helper()
	tn := &testNode{net: hub.newNet(), clock: clock}
	eng, err := New(rawURL, tn.net, &Options{
		UUID:    nodeUUID(id),
		Now:     clock.now,
		Rand:    rand.New(rand.NewSource(int64(id))),
		NewUUID: hsUUIDSource(id),
		Deliver: func(payload []byte, meta ProtoUpMeta) {
			tn.delivered = append(tn.delivered, string(payload))
			tn.sources = append(tn.sources, meta.Source)
		},
		Logf: func(format string, args ...interface{}) {
			t.Logf("node %d: %s", id, fmt.Sprintf(format, args...))
		},
	})
	if err != nil {
		t.Fatalf("New(%q): %v", rawURL, err)
	}
	tn.eng = eng
	return tn
}

// pump delivers queued events until every node's queue drains.
func pump(nodes ...*testNode) {
	for {
		progress := false
		for _, tn := range nodes {
			for len(tn.net.queue) > 0 {
				ev := tn.net.queue[0]
				tn.net.queue = tn.net.queue[1:]
				tn.eng.HandleUp(ev.FD, ev.Data)
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// tickAll advances the shared clock and runs each node's timer handler,
// pumping until quiescent.
func tickAll(clock *fakeClock, d time.Duration, nodes ...*testNode) {
	clock.advance(d)
	for _, tn := range nodes {
		tn.eng.HandleTimers()
	}
	pump(nodes...)
}

// checkInvariants asserts the reachable-state invariants from the engine's
// contract on one node.
func checkInvariants(t *testing.T, tn *testNode) {
	t.Helper()
	e := tn.eng

	for addr := range e.pending {
		if addr == e.listenAddr {
			t.Errorf("listen addr %s in pending book", addr)
		}
		if _, ok := e.remote[addr]; ok {
			t.Errorf("addr %s in both books", addr)
		}
	}
	for addr := range e.remote {
		if addr == e.listenAddr {
			t.Errorf("listen addr %s in remote book", addr)
		}
	}

	seen := make(map[uuid.UUID]bool)
	for _, p := range e.protos.m {
		if p.state != StateOK {
			continue
		}
		if p.remoteUUID == uuid.Nil {
			t.Error("OK proto with nil remote uuid")
		}
		if _, ok := e.remote[p.remoteAddr]; !ok {
			t.Errorf("OK proto addr %s not in remote book", p.remoteAddr)
		}
		if seen[p.remoteUUID] {
			t.Errorf("more than one OK proto for uuid %s", p.remoteUUID)
		}
		seen[p.remoteUUID] = true
	}
}
