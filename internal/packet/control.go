package packet

import (
	"encoding/binary"
	"io"

	"github.com/zsiec/srt/internal/seqnum"
)

// ACK control information field sizes. Lite ACKs carry only the
// cumulative sequence; standard ACKs add RTT estimates and the
// receiver's available buffer; full ACKs append rate estimates, which
// this implementation accepts but does not produce.
const (
	ackCIFLite     = 4
	ackCIFStandard = 16
	ackCIFFull     = 28
)

// ACKInfo is the decoded ACK control information field. AckSeq is the
// next sequence number the receiver expects; everything below it has
// been received contiguously.
type ACKInfo struct {
	AckSeq       seqnum.Value
	RTT          uint32 // microseconds
	RTTVar       uint32 // microseconds
	AvailBufSize uint32 // packets
	Lite         bool
}

// UnmarshalACK decodes the CIF of an ACK packet.
func UnmarshalACK(p *Packet) (*ACKInfo, error) {
	if !p.Header.IsControl || p.Header.Type != TypeACK {
		return nil, ErrNotControl
	}
	cif := p.Payload
	if len(cif) < ackCIFLite {
		return nil, &ParseError{Field: "ack", Err: io.ErrUnexpectedEOF}
	}
	a := &ACKInfo{
		AckSeq: seqnum.New(binary.BigEndian.Uint32(cif[0:4])),
	}
	if len(cif) < ackCIFStandard {
		a.Lite = true
		return a, nil
	}
	a.RTT = binary.BigEndian.Uint32(cif[4:8])
	a.RTTVar = binary.BigEndian.Uint32(cif[8:12])
	a.AvailBufSize = binary.BigEndian.Uint32(cif[12:16])
	return a, nil
}

// NewACK builds a standard ACK packet. The journal number goes in the
// header's type-specific field and is echoed back by the peer's ACKACK.
func NewACK(dst, ts, journal uint32, info ACKInfo) *Packet {
	cif := make([]byte, ackCIFStandard)
	binary.BigEndian.PutUint32(cif[0:4], uint32(info.AckSeq))
	binary.BigEndian.PutUint32(cif[4:8], info.RTT)
	binary.BigEndian.PutUint32(cif[8:12], info.RTTVar)
	binary.BigEndian.PutUint32(cif[12:16], info.AvailBufSize)
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeACK,
			Info:      journal,
			Timestamp: ts,
			DstSockID: dst,
		},
		Payload: cif,
	}
}

// NewACKACK builds an ACKACK packet echoing the given ACK journal number.
func NewACKACK(dst, ts, journal uint32) *Packet {
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeACKACK,
			Info:      journal,
			Timestamp: ts,
			DstSockID: dst,
		},
	}
}

// NewKeepAlive builds a keepalive packet.
func NewKeepAlive(dst, ts uint32) *Packet {
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeKeepAlive,
			Timestamp: ts,
			DstSockID: dst,
		},
	}
}

// NewShutdown builds a shutdown packet.
func NewShutdown(dst, ts uint32) *Packet {
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeShutdown,
			Timestamp: ts,
			DstSockID: dst,
		},
	}
}

// LossRange is an inclusive span of lost sequence numbers.
type LossRange struct {
	From seqnum.Value
	To   seqnum.Value
}

// Count returns the number of sequence numbers the range covers.
func (r LossRange) Count() int { return seqnum.Length(r.From, r.To) }

// MarshalLossList encodes loss ranges into the NAK compressed form: a
// single lost packet is one 31-bit value, a span is the first value
// with the high bit set followed by the last value.
func MarshalLossList(ranges []LossRange) []byte {
	n := 0
	for _, r := range ranges {
		if r.From == r.To {
			n += 4
		} else {
			n += 8
		}
	}
	cif := make([]byte, n)
	off := 0
	for _, r := range ranges {
		if r.From == r.To {
			binary.BigEndian.PutUint32(cif[off:], uint32(r.From))
			off += 4
			continue
		}
		binary.BigEndian.PutUint32(cif[off:], uint32(r.From)|0x80000000)
		binary.BigEndian.PutUint32(cif[off+4:], uint32(r.To))
		off += 8
	}
	return cif
}

// UnmarshalLossList decodes a NAK control information field.
func UnmarshalLossList(cif []byte) ([]LossRange, error) {
	if len(cif) == 0 || len(cif)%4 != 0 {
		return nil, &ParseError{Field: "loss list", Err: io.ErrUnexpectedEOF}
	}
	var ranges []LossRange
	for off := 0; off < len(cif); off += 4 {
		v := binary.BigEndian.Uint32(cif[off:])
		if v&0x80000000 == 0 {
			s := seqnum.Value(v)
			ranges = append(ranges, LossRange{From: s, To: s})
			continue
		}
		if off+8 > len(cif) {
			return nil, &ParseError{Field: "loss range", Err: io.ErrUnexpectedEOF}
		}
		from := seqnum.New(v)
		to := seqnum.Value(binary.BigEndian.Uint32(cif[off+4:]))
		if to&0x80000000 != 0 || seqnum.Less(to, from) {
			return nil, &ParseError{Field: "loss range", Err: errRangeOrder}
		}
		ranges = append(ranges, LossRange{From: from, To: to})
		off += 4
	}
	return ranges, nil
}

// NewNAK builds a NAK packet reporting the given loss ranges.
func NewNAK(dst, ts uint32, ranges []LossRange) *Packet {
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeNAK,
			Timestamp: ts,
			DstSockID: dst,
		},
		Payload: MarshalLossList(ranges),
	}
}

// NewDropReq builds a message drop request covering the inclusive
// sequence range [from, to]. The message number travels in the header's
// type-specific field.
func NewDropReq(dst, ts, msgNo uint32, from, to seqnum.Value) *Packet {
	cif := make([]byte, 8)
	binary.BigEndian.PutUint32(cif[0:4], uint32(from))
	binary.BigEndian.PutUint32(cif[4:8], uint32(to))
	return &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeDropReq,
			Info:      msgNo & MaxMsgNo,
			Timestamp: ts,
			DstSockID: dst,
		},
		Payload: cif,
	}
}

// UnmarshalDropReq decodes the CIF of a drop request.
func UnmarshalDropReq(p *Packet) (from, to seqnum.Value, err error) {
	if !p.Header.IsControl || p.Header.Type != TypeDropReq {
		return 0, 0, ErrNotControl
	}
	if len(p.Payload) < 8 {
		return 0, 0, &ParseError{Field: "dropreq", Err: io.ErrUnexpectedEOF}
	}
	from = seqnum.New(binary.BigEndian.Uint32(p.Payload[0:4]))
	to = seqnum.New(binary.BigEndian.Uint32(p.Payload[4:8]))
	if seqnum.Less(to, from) {
		return 0, 0, &ParseError{Field: "dropreq", Err: errRangeOrder}
	}
	return from, to, nil
}
