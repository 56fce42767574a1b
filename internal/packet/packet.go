// Package packet implements the wire codec for SRT data and control
// packets: the fixed 16-byte big-endian header, control information
// fields for handshake, ACK, and NAK packets, and the compressed loss
// list encoding. The codec is stateless and side-effect free; session
// logic lives in the root srt package.
//
// The bit layout follows upstream SRT so that packets interoperate with
// other implementations of the protocol.
package packet

import (
	"encoding/binary"
	"io"

	"github.com/zsiec/srt/internal/seqnum"
)

// HeaderSize is the fixed SRT packet header length in bytes.
const HeaderSize = 16

// MaxMsgNo is the largest valid message number (26-bit space).
const MaxMsgNo = 1<<26 - 1

// Position describes where a data packet sits within its message,
// encoded in the PP bits of the header.
type Position byte

// Packet position flag values.
const (
	PositionMiddle Position = 0b00
	PositionLast   Position = 0b01
	PositionFirst  Position = 0b10
	PositionSolo   Position = 0b11
)

// ControlType identifies a control packet, encoded in the lower 15 bits
// of the header's first field.
type ControlType uint16

// Control packet types.
const (
	TypeHandshake  ControlType = 0x0000
	TypeKeepAlive  ControlType = 0x0001
	TypeACK        ControlType = 0x0002
	TypeNAK        ControlType = 0x0003
	TypeCongestion ControlType = 0x0004
	TypeShutdown   ControlType = 0x0005
	TypeACKACK     ControlType = 0x0006
	TypeDropReq    ControlType = 0x0007
	TypePeerError  ControlType = 0x0008
)

func (t ControlType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeKeepAlive:
		return "keepalive"
	case TypeACK:
		return "ack"
	case TypeNAK:
		return "nak"
	case TypeCongestion:
		return "congestion"
	case TypeShutdown:
		return "shutdown"
	case TypeACKACK:
		return "ackack"
	case TypeDropReq:
		return "dropreq"
	case TypePeerError:
		return "peererror"
	}
	return "unknown"
}

// Header is the decoded form of the 16-byte SRT packet header. Data
// packets use Seq, Position, InOrder, Encryption, Retransmitted, and
// MsgNo; control packets use Type, Subtype, and Info. Timestamp and
// DstSockID are common to both.
type Header struct {
	IsControl bool

	// Data packet fields.
	Seq           seqnum.Value
	Position      Position
	InOrder       bool
	Encryption    byte // KK bits, kept for wire fidelity; always 0 here
	Retransmitted bool
	MsgNo         uint32

	// Control packet fields.
	Type    ControlType
	Subtype uint16
	Info    uint32

	// Common fields. Timestamp is microseconds since connection start.
	Timestamp uint32
	DstSockID uint32
}

// Packet is a single SRT packet: a header plus either a data payload or
// a control information field. A Packet owns its payload; Unmarshal
// copies out of the datagram buffer so the caller may reuse it.
type Packet struct {
	Header  Header
	Payload []byte
}

// Unmarshal decodes a raw datagram into a Packet. The payload is copied.
func Unmarshal(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, &ParseError{Field: "header", Err: io.ErrUnexpectedEOF}
	}

	var h Header
	w0 := binary.BigEndian.Uint32(raw[0:4])
	w1 := binary.BigEndian.Uint32(raw[4:8])
	h.Timestamp = binary.BigEndian.Uint32(raw[8:12])
	h.DstSockID = binary.BigEndian.Uint32(raw[12:16])

	if w0&0x80000000 != 0 {
		h.IsControl = true
		h.Type = ControlType(w0 >> 16 & 0x7FFF)
		h.Subtype = uint16(w0)
		h.Info = w1
	} else {
		h.Seq = seqnum.Value(w0)
		h.Position = Position(w1 >> 30)
		h.InOrder = w1&(1<<29) != 0
		h.Encryption = byte(w1 >> 27 & 0b11)
		h.Retransmitted = w1&(1<<26) != 0
		h.MsgNo = w1 & MaxMsgNo
	}

	p := &Packet{Header: h}
	if len(raw) > HeaderSize {
		p.Payload = make([]byte, len(raw)-HeaderSize)
		copy(p.Payload, raw[HeaderSize:])
	}
	return p, nil
}

// Marshal encodes the packet into a freshly allocated datagram buffer.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	h := &p.Header

	var w0, w1 uint32
	if h.IsControl {
		w0 = 1<<31 | uint32(h.Type)<<16 | uint32(h.Subtype)
		w1 = h.Info
	} else {
		w0 = uint32(h.Seq) & seqnum.Max
		w1 = uint32(h.Position)<<30 | h.MsgNo&MaxMsgNo
		if h.InOrder {
			w1 |= 1 << 29
		}
		w1 |= uint32(h.Encryption&0b11) << 27
		if h.Retransmitted {
			w1 |= 1 << 26
		}
	}

	binary.BigEndian.PutUint32(buf[0:4], w0)
	binary.BigEndian.PutUint32(buf[4:8], w1)
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], h.DstSockID)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// NewData builds a data packet. The payload is referenced, not copied;
// the caller hands ownership to the packet.
func NewData(dst uint32, ts uint32, seq seqnum.Value, msgNo uint32, pos Position, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Seq:       seq,
			Position:  pos,
			InOrder:   true,
			MsgNo:     msgNo & MaxMsgNo,
			Timestamp: ts,
			DstSockID: dst,
		},
		Payload: payload,
	}
}
