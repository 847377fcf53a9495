package gmcast

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

/*
Wire format

Every frame starts with a fixed header, all multi-byte integers big-endian:

	version:u8 | type:u8 | flags:u8 | source_uuid:16B

HANDSHAKE and HANDSHAKE_RESPONSE carry group name and listen address as
u16-length-prefixed UTF-8 plus the 16-byte handshake uuid. TOPOLOGY_CHANGE
carries a u16 count of (uuid:16B, addr:u16-prefixed) pairs. User frames
carry nothing beyond the header; application bytes follow immediately.
*/

// MsgType identifies a frame. Values at or above MsgUserBase belong to the
// layer above and are passed through untouched.
type MsgType uint8

const (
	MsgHandshake         MsgType = 1
	MsgHandshakeResponse MsgType = 2
	MsgTopologyChange    MsgType = 3
	MsgUserBase          MsgType = 0xFE
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case MsgTopologyChange:
		return "TOPOLOGY_CHANGE"
	default:
		if t >= MsgUserBase {
			return "USER"
		}
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// ProtoVersion is the only wire version this implementation speaks.
const ProtoVersion uint8 = 1

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 3 + 16

var (
	ErrShortFrame     = errors.New("frame too short")
	ErrBadVersion     = errors.New("unsupported protocol version")
	ErrBadFrame       = errors.New("malformed frame")
	ErrUnknownMsgType = errors.New("unknown message type")
)

// Message is the decoded form of one protocol frame.
type Message struct {
	Version uint8
	Type    MsgType
	Flags   uint8
	Source  uuid.UUID

	// Handshake payload.
	Group         string
	ListenAddr    string
	HandshakeUUID uuid.UUID

	// Topology payload.
	Links LinkMap
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrShortFrame
	}
	return string(buf[:n]), buf[n:], nil
}

// MarshalHeader serializes only the fixed header. User frames are built by
// appending the application payload directly after it.
func (m *Message) MarshalHeader() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, m.Version, uint8(m.Type), m.Flags)
	return append(buf, m.Source[:]...)
}

// Marshal serializes a full protocol frame.
func (m *Message) Marshal() ([]byte, error) {
	buf := m.MarshalHeader()

	switch m.Type {
	case MsgHandshake, MsgHandshakeResponse:
		buf = appendString(buf, m.Group)
		buf = appendString(buf, m.ListenAddr)
		buf = append(buf, m.HandshakeUUID[:]...)
	case MsgTopologyChange:
		if len(m.Links) > int(^uint16(0)) {
			return nil, fmt.Errorf("%w: topology too large", ErrBadFrame)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Links)))
		for u, addr := range m.Links {
			buf = append(buf, u[:]...)
			buf = appendString(buf, addr)
		}
	default:
		if m.Type < MsgUserBase {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMsgType, m.Type)
		}
	}
	return buf, nil
}

// Unmarshal decodes a frame. Topology entries with a nil uuid or an empty
// address are rejected here so the engine never sees them.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortFrame
	}
	m.Version = data[0]
	m.Type = MsgType(data[1])
	m.Flags = data[2]
	copy(m.Source[:], data[3:HeaderSize])

	if m.Version != ProtoVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, m.Version)
	}

	rest := data[HeaderSize:]
	switch m.Type {
	case MsgHandshake, MsgHandshakeResponse:
		var err error
		if m.Group, rest, err = readString(rest); err != nil {
			return err
		}
		if m.ListenAddr, rest, err = readString(rest); err != nil {
			return err
		}
		if len(rest) < 16 {
			return ErrShortFrame
		}
		copy(m.HandshakeUUID[:], rest[:16])
	case MsgTopologyChange:
		if len(rest) < 2 {
			return ErrShortFrame
		}
		count := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		m.Links = make(LinkMap, count)
		for i := 0; i < count; i++ {
			if len(rest) < 16 {
				return ErrShortFrame
			}
			var u uuid.UUID
			copy(u[:], rest[:16])
			rest = rest[16:]
			var addr string
			var err error
			if addr, rest, err = readString(rest); err != nil {
				return err
			}
			if u == uuid.Nil || addr == "" {
				return fmt.Errorf("%w: empty topology link", ErrBadFrame)
			}
			m.Links[u] = addr
		}
	default:
		if m.Type < MsgUserBase {
			return fmt.Errorf("%w: %d", ErrUnknownMsgType, m.Type)
		}
	}
	return nil
}
