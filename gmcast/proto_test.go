package gmcast

import (
	"testing"
)

type stubTransport struct {
	fd    int
	state TransportState
	sent  []Message
}

func newStubTransport(fd int) *stubTransport {
	return &stubTransport{fd: fd, state: TransportConnected}
}

func (s *stubTransport) FD() int               { return s.fd }
func (s *stubTransport) State() TransportState { return s.state }
func (s *stubTransport) Close() error          { s.state = TransportClosed; return nil }

func (s *stubTransport) Send(payload []byte) error {
	var m Message
	if err := m.Unmarshal(payload); err != nil {
		return err
	}
	s.sent = append(s.sent, m)
	return nil
}

func noplog(string, ...interface{}) {}

func TestProtoAcceptorHandshake(t *testing.T) {
	tp := newStubTransport(1)
	p := newProto(tp, addrA, "", nodeUUID(1), "g", nodeUUID(8), noplog)

	if err := p.SendHandshake(); err != nil {
		t.Fatal(err)
	}
	if p.state != StateHandshakeSent {
		t.Fatalf("state = %v", p.state)
	}
	if len(tp.sent) != 1 || tp.sent[0].Type != MsgHandshake {
		t.Fatalf("sent = %v", tp.sent)
	}
	hs := tp.sent[0]
	if hs.Group != "g" || hs.ListenAddr != addrA || hs.HandshakeUUID != nodeUUID(8) {
		t.Fatalf("handshake payload = %+v", hs)
	}

	// The dialer's response completes our side and owes it an ack.
	err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgHandshakeResponse,
		Source: nodeUUID(2), Group: "g", ListenAddr: addrB,
		HandshakeUUID: nodeUUID(8),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.state != StateOK || !p.changed {
		t.Fatalf("state = %v changed = %v", p.state, p.changed)
	}
	if p.remoteUUID != nodeUUID(2) || p.remoteAddr != addrB {
		t.Fatalf("remote identity = %s %s", p.remoteUUID, p.remoteAddr)
	}
	if len(tp.sent) != 2 || tp.sent[1].Type != MsgHandshakeResponse {
		t.Fatalf("missing ack: %v", tp.sent)
	}
}

func TestProtoDialerHandshake(t *testing.T) {
	tp := newStubTransport(2)
	p := newProto(tp, addrB, addrA, nodeUUID(2), "g", nodeUUID(3), noplog)
	p.WaitHandshake()

	err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgHandshake,
		Source: nodeUUID(1), Group: "g", ListenAddr: addrA,
		HandshakeUUID: nodeUUID(8),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.state != StateHandshakeSent {
		t.Fatalf("state = %v", p.state)
	}
	// The dialer adopts the acceptor's handshake uuid and echoes it.
	if p.hsUUID != nodeUUID(8) {
		t.Fatalf("handshake uuid = %s, want adopted %s", p.hsUUID, nodeUUID(8))
	}
	if len(tp.sent) != 1 || tp.sent[0].HandshakeUUID != nodeUUID(8) {
		t.Fatalf("response = %v", tp.sent)
	}

	err = p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgHandshakeResponse,
		Source: nodeUUID(1), Group: "g", ListenAddr: addrA,
		HandshakeUUID: nodeUUID(8),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.state != StateOK {
		t.Fatalf("state = %v", p.state)
	}
	// Already answered; the ack must not bounce back and forth.
	if len(tp.sent) != 1 {
		t.Fatalf("dialer sent extra frames: %v", tp.sent)
	}
}

func TestProtoGroupMismatch(t *testing.T) {
	tp := newStubTransport(3)
	p := newProto(tp, addrB, addrA, nodeUUID(2), "g1", nodeUUID(3), noplog)
	p.WaitHandshake()

	err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgHandshake,
		Source: nodeUUID(1), Group: "g2", ListenAddr: addrA,
		HandshakeUUID: nodeUUID(8),
	})
	if err == nil {
		t.Fatal("expected group mismatch error")
	}
	if p.state != StateFailed {
		t.Fatalf("state = %v, want FAILED", p.state)
	}
	if len(tp.sent) != 0 {
		t.Fatalf("responded to mismatched group: %v", tp.sent)
	}
}

func TestProtoTopologyChange(t *testing.T) {
	tp := newStubTransport(4)
	p := newProto(tp, addrA, addrB, nodeUUID(1), "g", nodeUUID(3), noplog)
	p.state = StateOK

	links := LinkMap{nodeUUID(2): addrB, nodeUUID(3): addrC}
	if err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgTopologyChange, Source: nodeUUID(2), Links: links,
	}); err != nil {
		t.Fatal(err)
	}
	if !p.changed || !p.links.Equal(links) {
		t.Fatalf("changed = %v links = %v", p.changed, p.links)
	}

	// An identical map must not raise changed again.
	p.changed = false
	if err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgTopologyChange, Source: nodeUUID(2), Links: links.Clone(),
	}); err != nil {
		t.Fatal(err)
	}
	if p.changed {
		t.Fatal("identical topology raised changed")
	}
}

func TestProtoUnexpectedMessageFails(t *testing.T) {
	tp := newStubTransport(5)
	p := newProto(tp, addrA, addrB, nodeUUID(1), "g", nodeUUID(3), noplog)
	p.WaitHandshake()

	err := p.HandleMessage(&Message{
		Version: ProtoVersion, Type: MsgTopologyChange, Source: nodeUUID(2),
		Links: LinkMap{nodeUUID(2): addrB},
	})
	if err == nil {
		t.Fatal("expected error for topology before handshake")
	}
	if p.state != StateFailed {
		t.Fatalf("state = %v, want FAILED", p.state)
	}
}
