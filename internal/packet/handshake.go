package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/srt/internal/seqnum"
)

// Handshake versions. Version 4 appears only in the induction request,
// which predates the SRT extension exchange; everything after speaks
// version 5.
const (
	HSVersion4 = 4
	HSVersion5 = 5
)

// Induction markers carried in the extension field slot of the base
// handshake. The request advertises the legacy datagram socket type;
// the response proves SRT support with the magic value.
const (
	HSExtFieldDGram uint16 = 2
	HSExtFieldMagic uint16 = 0x4A17
)

// SRTVersion is the protocol version advertised in handshake extensions.
const SRTVersion uint32 = 0x010401

// Handshake extension flag bits.
const (
	FlagTSBPDSnd    uint32 = 0x01
	FlagTSBPDRcv    uint32 = 0x02
	FlagCrypt       uint32 = 0x04
	FlagTLPktDrop   uint32 = 0x08
	FlagPeriodicNAK uint32 = 0x10
	FlagRexmit      uint32 = 0x20
	FlagStream      uint32 = 0x40
)

// DefaultFlags is the extension flag set for a live stream connection
// with periodic NAK reports and retransmit marking.
const DefaultFlags = FlagTSBPDSnd | FlagTSBPDRcv | FlagTLPktDrop | FlagPeriodicNAK | FlagRexmit | FlagStream

// Extension presence bits in the conclusion extension field.
const (
	hsExtHSReq  uint16 = 0x1
	hsExtKM     uint16 = 0x2
	hsExtConfig uint16 = 0x4
)

// Extension block types.
const (
	extTypeHSReq    uint16 = 1
	extTypeHSRsp    uint16 = 2
	extTypeKMReq    uint16 = 3
	extTypeKMRsp    uint16 = 4
	extTypeStreamID uint16 = 5
)

const (
	hsBaseCIF   = 48
	maxStreamID = 512
)

// HandshakeType is the phase field of a handshake packet. Values at or
// above rejectOffset encode a rejection reason instead of a phase.
type HandshakeType uint32

// Handshake phases.
const (
	HSTypeDone       HandshakeType = 0xFFFFFFFD
	HSTypeAgreement  HandshakeType = 0xFFFFFFFE
	HSTypeConclusion HandshakeType = 0xFFFFFFFF
	HSTypeWaveahand  HandshakeType = 0x00000000
	HSTypeInduction  HandshakeType = 0x00000001
)

const rejectOffset = 1000

// IsRejection reports whether the type encodes a rejection.
func (t HandshakeType) IsRejection() bool {
	return int32(t) >= rejectOffset
}

// RejectReason extracts the rejection reason. Only meaningful when
// IsRejection is true.
func (t HandshakeType) RejectReason() RejectReason {
	return RejectReason(int32(t) - rejectOffset)
}

func (t HandshakeType) String() string {
	switch t {
	case HSTypeDone:
		return "done"
	case HSTypeAgreement:
		return "agreement"
	case HSTypeConclusion:
		return "conclusion"
	case HSTypeWaveahand:
		return "waveahand"
	case HSTypeInduction:
		return "induction"
	}
	if t.IsRejection() {
		return fmt.Sprintf("rejection(%s)", t.RejectReason())
	}
	return fmt.Sprintf("handshaketype(%#x)", uint32(t))
}

// RejectReason explains why a connection attempt was refused. The zero
// value means the peer gave no specific reason.
type RejectReason int32

// Rejection reasons, matching the wire encoding offset by rejectOffset.
const (
	RejUnknown    RejectReason = iota // unspecified
	RejSystem                         // system resource failure
	RejPeer                           // rejected by peer callback
	RejResource                       // out of memory or descriptors
	RejRogue                          // malformed handshake data
	RejBacklog                        // listener queue full
	RejIPE                            // internal program error
	RejClose                          // socket closing
	RejVersion                        // peer version too old
	RejRdvCookie                      // rendezvous cookie collision
	RejBadSecret                      // wrong passphrase
	RejUnsecure                       // encryption required but not offered
	RejMessageAPI                     // message/stream mode mismatch
	RejCongestion                     // congestion controller mismatch
	RejFilter                         // packet filter mismatch
	RejGroup                          // group membership rejected
	RejTimeout                        // handshake timed out
)

func (r RejectReason) String() string {
	switch r {
	case RejUnknown:
		return "unknown"
	case RejSystem:
		return "system"
	case RejPeer:
		return "peer"
	case RejResource:
		return "resource"
	case RejRogue:
		return "rogue"
	case RejBacklog:
		return "backlog"
	case RejIPE:
		return "internal error"
	case RejClose:
		return "closing"
	case RejVersion:
		return "version"
	case RejRdvCookie:
		return "rendezvous cookie"
	case RejBadSecret:
		return "bad secret"
	case RejUnsecure:
		return "unsecure"
	case RejMessageAPI:
		return "message api"
	case RejCongestion:
		return "congestion"
	case RejFilter:
		return "filter"
	case RejGroup:
		return "group"
	case RejTimeout:
		return "timeout"
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}

// Rejection returns the handshake type encoding the given reason.
func Rejection(r RejectReason) HandshakeType {
	return HandshakeType(rejectOffset + int32(r))
}

// HandshakeExtension is the SRT extension block exchanged on conclusion
// packets. IsRequest distinguishes the caller's HSREQ from the
// listener's HSRSP.
type HandshakeExtension struct {
	IsRequest     bool
	SRTVersion    uint32
	Flags         uint32
	RcvTSBPDDelay uint16 // milliseconds
	SndTSBPDDelay uint16 // milliseconds
}

// Handshake is the decoded control information field of a handshake
// packet: the 48-byte base plus any version 5 extension blocks.
type Handshake struct {
	Version         uint32
	EncryptionField uint16
	ExtensionField  uint16
	InitialSeq      seqnum.Value
	MTU             uint32
	FlowWindow      uint32
	Type            HandshakeType
	SocketID        uint32
	SynCookie       uint32
	PeerIP          [16]byte

	// Ext and StreamID are carried in extension blocks on version 5
	// conclusion packets; both may be absent.
	Ext      *HandshakeExtension
	StreamID string
}

// UnmarshalHandshake decodes the CIF of a handshake packet.
func UnmarshalHandshake(p *Packet) (*Handshake, error) {
	if !p.Header.IsControl {
		return nil, ErrNotControl
	}
	if p.Header.Type != TypeHandshake {
		return nil, ErrNotHandshake
	}
	cif := p.Payload
	if len(cif) < hsBaseCIF {
		return nil, &ParseError{Field: "handshake", Err: io.ErrUnexpectedEOF}
	}

	h := &Handshake{
		Version:         binary.BigEndian.Uint32(cif[0:4]),
		EncryptionField: binary.BigEndian.Uint16(cif[4:6]),
		ExtensionField:  binary.BigEndian.Uint16(cif[6:8]),
		InitialSeq:      seqnum.New(binary.BigEndian.Uint32(cif[8:12])),
		MTU:             binary.BigEndian.Uint32(cif[12:16]),
		FlowWindow:      binary.BigEndian.Uint32(cif[16:20]),
		Type:            HandshakeType(binary.BigEndian.Uint32(cif[20:24])),
		SocketID:        binary.BigEndian.Uint32(cif[24:28]),
		SynCookie:       binary.BigEndian.Uint32(cif[28:32]),
	}
	copy(h.PeerIP[:], cif[32:48])

	if h.Version < HSVersion5 {
		return h, nil
	}
	if err := h.unmarshalExtensions(cif[hsBaseCIF:]); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handshake) unmarshalExtensions(ext []byte) error {
	for len(ext) > 0 {
		if len(ext) < 4 {
			return &ParseError{Field: "extension header", Err: io.ErrUnexpectedEOF}
		}
		extType := binary.BigEndian.Uint16(ext[0:2])
		extLen := int(binary.BigEndian.Uint16(ext[2:4])) * 4
		ext = ext[4:]
		if len(ext) < extLen {
			return &ParseError{Field: "extension body", Err: io.ErrUnexpectedEOF}
		}
		body := ext[:extLen]
		ext = ext[extLen:]

		switch extType {
		case extTypeHSReq, extTypeHSRsp:
			if extLen < 12 {
				return &ParseError{Field: "srt extension", Err: io.ErrUnexpectedEOF}
			}
			h.Ext = &HandshakeExtension{
				IsRequest:     extType == extTypeHSReq,
				SRTVersion:    binary.BigEndian.Uint32(body[0:4]),
				Flags:         binary.BigEndian.Uint32(body[4:8]),
				RcvTSBPDDelay: binary.BigEndian.Uint16(body[8:10]),
				SndTSBPDDelay: binary.BigEndian.Uint16(body[10:12]),
			}
		case extTypeStreamID:
			if extLen > maxStreamID {
				return &ParseError{Field: "stream id", Err: errStreamIDLength}
			}
			h.StreamID = decodeStreamID(body)
		default:
			// Key material and config blocks we do not speak are skipped,
			// not rejected.
		}
	}
	return nil
}

// Marshal encodes the handshake CIF. On version 5 conclusion packets
// the extension field is recomputed from the blocks actually present.
func (h *Handshake) Marshal() []byte {
	extField := h.ExtensionField
	var blocks []byte
	if h.Version >= HSVersion5 && h.Type == HSTypeConclusion {
		extField = 0
		if h.Ext != nil {
			extField |= hsExtHSReq
			blocks = append(blocks, h.marshalSRTExtension()...)
		}
		if h.StreamID != "" {
			extField |= hsExtConfig
			blocks = append(blocks, marshalStreamID(h.StreamID)...)
		}
	}

	cif := make([]byte, hsBaseCIF, hsBaseCIF+len(blocks))
	binary.BigEndian.PutUint32(cif[0:4], h.Version)
	binary.BigEndian.PutUint16(cif[4:6], h.EncryptionField)
	binary.BigEndian.PutUint16(cif[6:8], extField)
	binary.BigEndian.PutUint32(cif[8:12], uint32(h.InitialSeq))
	binary.BigEndian.PutUint32(cif[12:16], h.MTU)
	binary.BigEndian.PutUint32(cif[16:20], h.FlowWindow)
	binary.BigEndian.PutUint32(cif[20:24], uint32(h.Type))
	binary.BigEndian.PutUint32(cif[24:28], h.SocketID)
	binary.BigEndian.PutUint32(cif[28:32], h.SynCookie)
	copy(cif[32:48], h.PeerIP[:])
	return append(cif, blocks...)
}

func (h *Handshake) marshalSRTExtension() []byte {
	b := make([]byte, 16)
	extType := extTypeHSRsp
	if h.Ext.IsRequest {
		extType = extTypeHSReq
	}
	binary.BigEndian.PutUint16(b[0:2], extType)
	binary.BigEndian.PutUint16(b[2:4], 3) // length in words
	binary.BigEndian.PutUint32(b[4:8], h.Ext.SRTVersion)
	binary.BigEndian.PutUint32(b[8:12], h.Ext.Flags)
	binary.BigEndian.PutUint16(b[12:14], h.Ext.RcvTSBPDDelay)
	binary.BigEndian.PutUint16(b[14:16], h.Ext.SndTSBPDDelay)
	return b
}

// Packet wraps the handshake in a control packet addressed to dst.
func (h *Handshake) Packet(dst, ts uint32) *Packet {
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeHandshake,
			Timestamp: ts,
			DstSockID: dst,
		},
		Payload: h.Marshal(),
	}
}

// The stream identifier travels as 32-bit little endian words: each
// four byte group of the text is byte reversed on the wire, with NUL
// padding up to the word boundary.

func marshalStreamID(id string) []byte {
	words := (len(id) + 3) / 4
	b := make([]byte, 4+words*4)
	binary.BigEndian.PutUint16(b[0:2], extTypeStreamID)
	binary.BigEndian.PutUint16(b[2:4], uint16(words))
	padded := make([]byte, words*4)
	copy(padded, id)
	for i := 0; i < len(padded); i += 4 {
		b[4+i] = padded[i+3]
		b[4+i+1] = padded[i+2]
		b[4+i+2] = padded[i+1]
		b[4+i+3] = padded[i]
	}
	return b
}

func decodeStreamID(body []byte) string {
	text := make([]byte, len(body))
	for i := 0; i+3 < len(body); i += 4 {
		text[i] = body[i+3]
		text[i+1] = body[i+2]
		text[i+2] = body[i+1]
		text[i+3] = body[i]
	}
	end := len(text)
	for end > 0 && text[end-1] == 0 {
		end--
	}
	return string(text[:end])
}
