package gmcast

import (
	"fmt"

	"github.com/google/uuid"
)

/*
Per-connection handshake state machine

The accepting side sends HANDSHAKE first and waits for a response; the
dialing side waits for the HANDSHAKE, answers with HANDSHAKE_RESPONSE and
expects the acceptor's response in return. Each connection carries exactly
one handshake uuid: the acceptor mints it and the dialer adopts it from the
HANDSHAKE frame, so both ends observe the same value when arbitrating
duplicate connections.

	INIT            --accepted--------> HANDSHAKE_SENT  (emit HANDSHAKE)
	INIT            --dialed----------> HANDSHAKE_WAIT
	HANDSHAKE_WAIT  --rx HANDSHAKE----> HANDSHAKE_SENT  (emit RESPONSE)
	HANDSHAKE_SENT  --rx RESPONSE-----> OK
	OK              --rx TOPOLOGY-----> OK              (replace link map)
	any             --error/mismatch--> FAILED
*/

// ProtoState is the handshake/keepalive state of one peer connection.
type ProtoState int

const (
	StateInit ProtoState = iota
	StateHandshakeWait
	StateHandshakeSent
	StateOK
	StateFailed
)

func (s ProtoState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshakeWait:
		return "HANDSHAKE_WAIT"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateOK:
		return "OK"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Proto owns one Transport and runs the handshake over it. remoteUUID and
// remoteAddr stay zero until learned from the peer's frames.
type Proto struct {
	tp         Transport
	localUUID  uuid.UUID
	localAddr  string
	group      string
	hsUUID     uuid.UUID
	remoteUUID uuid.UUID
	remoteAddr string
	state      ProtoState
	links      LinkMap

	// changed rises when the peer set or the peer's reported link map may
	// have mutated; the engine clears it when it rebuilds addresses.
	changed bool
	// respSent distinguishes the dialer (already answered) from the
	// acceptor, which still owes the dialer a response when reaching OK.
	respSent bool

	logf func(format string, args ...interface{})
}

func newProto(tp Transport, localAddr, remoteAddr string, localUUID uuid.UUID,
	group string, hsUUID uuid.UUID, logf func(string, ...interface{})) *Proto {
	return &Proto{
		tp:         tp,
		localUUID:  localUUID,
		localAddr:  localAddr,
		group:      group,
		hsUUID:     hsUUID,
		remoteAddr: remoteAddr,
		state:      StateInit,
		links:      LinkMap{},
		logf:       logf,
	}
}

func (p *Proto) Transport() Transport     { return p.tp }
func (p *Proto) State() ProtoState        { return p.state }
func (p *Proto) RemoteUUID() uuid.UUID    { return p.remoteUUID }
func (p *Proto) RemoteAddr() string       { return p.remoteAddr }
func (p *Proto) HandshakeUUID() uuid.UUID { return p.hsUUID }
func (p *Proto) LinkMap() LinkMap         { return p.links }

func (p *Proto) send(m *Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	return p.tp.Send(buf)
}

// SendHandshake starts the accept-side handshake.
func (p *Proto) SendHandshake() error {
	msg := Message{
		Version:       ProtoVersion,
		Type:          MsgHandshake,
		Source:        p.localUUID,
		Group:         p.group,
		ListenAddr:    p.localAddr,
		HandshakeUUID: p.hsUUID,
	}
	if err := p.send(&msg); err != nil {
		p.state = StateFailed
		return fmt.Errorf("send handshake: %w", err)
	}
	p.state = StateHandshakeSent
	return nil
}

// WaitHandshake arms the dial-side of the handshake.
func (p *Proto) WaitHandshake() {
	p.state = StateHandshakeWait
}

// HandleMessage feeds one decoded protocol frame into the state machine.
// Any returned error leaves the proto in FAILED.
func (p *Proto) HandleMessage(msg *Message) error {
	switch {
	case p.state == StateHandshakeWait && msg.Type == MsgHandshake:
		return p.handleHandshake(msg)
	case p.state == StateHandshakeSent && msg.Type == MsgHandshakeResponse:
		return p.handleHandshakeResponse(msg)
	case p.state == StateOK && msg.Type == MsgHandshakeResponse:
		// Acceptor's acknowledgment of our response; nothing left to learn.
		return nil
	case p.state == StateOK && msg.Type == MsgTopologyChange:
		// Only a genuinely different link map raises changed; otherwise
		// mutual rebroadcasts would never quiesce.
		if !p.links.Equal(msg.Links) {
			p.links = msg.Links.Clone()
			p.changed = true
		}
		return nil
	default:
		prev := p.state
		p.state = StateFailed
		return fmt.Errorf("unexpected %v in state %v", msg.Type, prev)
	}
}

func (p *Proto) handleHandshake(msg *Message) error {
	if msg.Group != p.group {
		p.state = StateFailed
		return fmt.Errorf("handshake group mismatch: %q != %q", msg.Group, p.group)
	}
	if msg.Source == uuid.Nil || msg.ListenAddr == "" {
		p.state = StateFailed
		return fmt.Errorf("handshake without peer identity")
	}
	p.remoteUUID = msg.Source
	if p.remoteAddr == "" {
		p.remoteAddr = msg.ListenAddr
	}
	// Adopt the connection's handshake uuid from the acceptor.
	p.hsUUID = msg.HandshakeUUID

	resp := Message{
		Version:       ProtoVersion,
		Type:          MsgHandshakeResponse,
		Source:        p.localUUID,
		Group:         p.group,
		ListenAddr:    p.localAddr,
		HandshakeUUID: p.hsUUID,
	}
	if err := p.send(&resp); err != nil {
		p.state = StateFailed
		return fmt.Errorf("send handshake response: %w", err)
	}
	p.respSent = true
	p.state = StateHandshakeSent
	return nil
}

func (p *Proto) handleHandshakeResponse(msg *Message) error {
	if msg.Group != p.group {
		p.state = StateFailed
		return fmt.Errorf("handshake response group mismatch: %q != %q", msg.Group, p.group)
	}
	if msg.Source == uuid.Nil || msg.ListenAddr == "" {
		p.state = StateFailed
		return fmt.Errorf("handshake response without peer identity")
	}
	p.remoteUUID = msg.Source
	if p.remoteAddr == "" {
		p.remoteAddr = msg.ListenAddr
	}

	if !p.respSent {
		// We initiated with HANDSHAKE, so the dialer is still waiting for
		// our response to complete its side.
		ack := Message{
			Version:       ProtoVersion,
			Type:          MsgHandshakeResponse,
			Source:        p.localUUID,
			Group:         p.group,
			ListenAddr:    p.localAddr,
			HandshakeUUID: p.hsUUID,
		}
		if err := p.send(&ack); err != nil {
			p.state = StateFailed
			return fmt.Errorf("send handshake ack: %w", err)
		}
		p.respSent = true
	}

	p.state = StateOK
	p.changed = true
	return nil
}

// SendTopologyChange pushes the engine's current link map to the peer.
func (p *Proto) SendTopologyChange(lm LinkMap) error {
	msg := Message{
		Version: ProtoVersion,
		Type:    MsgTopologyChange,
		Source:  p.localUUID,
		Links:   lm,
	}
	return p.send(&msg)
}
