package gmcast

import (
	"testing"

	"github.com/google/uuid"
)

func TestHandshakeRoundTrip(t *testing.T) {
	in := Message{
		Version:       ProtoVersion,
		Type:          MsgHandshake,
		Source:        nodeUUID(7),
		Group:         "galaxy",
		ListenAddr:    "tcp://192.168.0.7:4567",
		HandshakeUUID: nodeUUID(9),
	}
	buf, err := in.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := out.Unmarshal(buf); err != nil {
		t.Fatal(err)
	}
	if out.Type != MsgHandshake || out.Source != in.Source ||
		out.Group != in.Group || out.ListenAddr != in.ListenAddr ||
		out.HandshakeUUID != in.HandshakeUUID {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestTopologyChangeRoundTrip(t *testing.T) {
	links := LinkMap{
		nodeUUID(1): "tcp://10.0.0.1:4567",
		nodeUUID(2): "tcp://10.0.0.2:4567",
		nodeUUID(3): "tcp://10.0.0.3:4567",
	}
	in := Message{
		Version: ProtoVersion,
		Type:    MsgTopologyChange,
		Source:  nodeUUID(1),
		Links:   links,
	}
	buf, err := in.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := out.Unmarshal(buf); err != nil {
		t.Fatal(err)
	}
	if !out.Links.Equal(links) {
		t.Fatalf("links = %v, want %v", out.Links, links)
	}
}

func TestUserFrameHeader(t *testing.T) {
	msg := Message{Version: ProtoVersion, Type: MsgUserBase, Source: nodeUUID(5)}
	frame := append(msg.MarshalHeader(), []byte("payload")...)

	var out Message
	if err := out.Unmarshal(frame); err != nil {
		t.Fatal(err)
	}
	if out.Type < MsgUserBase {
		t.Fatalf("type = %v, want user type", out.Type)
	}
	if out.Source != nodeUUID(5) {
		t.Fatalf("source = %s", out.Source)
	}
	if got := string(frame[HeaderSize:]); got != "payload" {
		t.Fatalf("payload = %q", got)
	}
}

func TestUnmarshalRejectsShortFrame(t *testing.T) {
	var m Message
	if err := m.Unmarshal(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for truncated header")
	}

	// Truncated handshake body.
	full, _ := (&Message{
		Version: ProtoVersion, Type: MsgHandshake,
		Source: nodeUUID(1), Group: "g", ListenAddr: "tcp://h:1",
	}).Marshal()
	if err := m.Unmarshal(full[:len(full)-4]); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	buf, _ := (&Message{
		Version: ProtoVersion, Type: MsgHandshake,
		Source: nodeUUID(1), Group: "g", ListenAddr: "tcp://h:1",
	}).Marshal()
	buf[0] = ProtoVersion + 1

	var m Message
	if err := m.Unmarshal(buf); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	buf := (&Message{Version: ProtoVersion, Type: MsgType(42), Source: nodeUUID(1)}).MarshalHeader()

	var m Message
	if err := m.Unmarshal(buf); err == nil {
		t.Fatal("expected error for unknown protocol type")
	}
}

func TestUnmarshalRejectsEmptyTopologyLink(t *testing.T) {
	in := Message{
		Version: ProtoVersion,
		Type:    MsgTopologyChange,
		Source:  nodeUUID(1),
		Links:   LinkMap{uuid.Nil: "tcp://10.0.0.1:4567"},
	}
	buf, err := in.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := out.Unmarshal(buf); err == nil {
		t.Fatal("expected error for nil link uuid")
	}
}
