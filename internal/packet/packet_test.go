package packet

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/srt/internal/seqnum"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()

	in := &Packet{
		Header: Header{
			Seq:           seqnum.New(0x7FFFFFFF),
			Position:      PositionSolo,
			InOrder:       true,
			Retransmitted: true,
			MsgNo:         12345,
			Timestamp:     987654,
			DstSockID:     0xCAFEBABE,
		},
		Payload: []byte("seven ts packets would go here"),
	}

	out, err := Unmarshal(in.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestControlRoundTrip(t *testing.T) {
	t.Parallel()

	in := &Packet{
		Header: Header{
			IsControl: true,
			Type:      TypeACKACK,
			Subtype:   7,
			Info:      42,
			Timestamp: 1000,
			DstSockID: 9,
		},
	}

	out, err := Unmarshal(in.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalControlBit(t *testing.T) {
	t.Parallel()

	data := NewData(1, 0, seqnum.New(5), 1, PositionSolo, []byte{0xAA}).Marshal()
	ctrl := NewKeepAlive(1, 0).Marshal()

	p, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if p.Header.IsControl {
		t.Fatal("data packet decoded as control")
	}

	p, err = Unmarshal(ctrl)
	if err != nil {
		t.Fatalf("Unmarshal(ctrl) error = %v", err)
	}
	if !p.Header.IsControl {
		t.Fatal("control packet decoded as data")
	}
	if got, want := p.Header.Type, TypeKeepAlive; got != want {
		t.Fatalf("Type = %v, want %v", got, want)
	}
}

func TestUnmarshalShort(t *testing.T) {
	t.Parallel()

	for size := 0; size < HeaderSize; size++ {
		_, err := Unmarshal(make([]byte, size))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("Unmarshal(%d bytes) error = %v, want ParseError", size, err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("Unmarshal(%d bytes) error does not unwrap to ErrUnexpectedEOF", size)
		}
	}
}

func TestUnmarshalCopiesPayload(t *testing.T) {
	t.Parallel()

	raw := NewData(1, 0, seqnum.New(1), 1, PositionSolo, []byte{1, 2, 3}).Marshal()
	p, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	raw[HeaderSize] = 0xFF
	if !bytes.Equal(p.Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload aliases the input buffer: %v", p.Payload)
	}
}

func TestPositionBits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  Position
		want uint32
	}{
		{"middle", PositionMiddle, 0b00},
		{"last", PositionLast, 0b01},
		{"first", PositionFirst, 0b10},
		{"solo", PositionSolo, 0b11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := NewData(1, 0, seqnum.New(1), 1, tt.pos, nil).Marshal()
			got := uint32(raw[4]) >> 6
			if got != tt.want {
				t.Fatalf("PP bits = %02b, want %02b", got, tt.want)
			}
		})
	}
}

func TestACKRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewACK(3, 100, 17, ACKInfo{
		AckSeq:       seqnum.New(5000),
		RTT:          100000,
		RTTVar:       50000,
		AvailBufSize: 8192,
	})
	if got, want := p.Header.Info, uint32(17); got != want {
		t.Fatalf("journal = %d, want %d", got, want)
	}

	info, err := UnmarshalACK(p)
	if err != nil {
		t.Fatalf("UnmarshalACK() error = %v", err)
	}
	want := &ACKInfo{
		AckSeq:       seqnum.New(5000),
		RTT:          100000,
		RTTVar:       50000,
		AvailBufSize: 8192,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("ACK mismatch (-want +got):\n%s", diff)
	}
}

func TestACKLite(t *testing.T) {
	t.Parallel()

	p := &Packet{
		Header:  Header{IsControl: true, Type: TypeACK},
		Payload: []byte{0x00, 0x00, 0x01, 0x00},
	}
	info, err := UnmarshalACK(p)
	if err != nil {
		t.Fatalf("UnmarshalACK() error = %v", err)
	}
	if !info.Lite {
		t.Fatal("Lite = false, want true")
	}
	if got, want := info.AckSeq, seqnum.New(256); got != want {
		t.Fatalf("AckSeq = %d, want %d", got, want)
	}
}

func TestACKErrors(t *testing.T) {
	t.Parallel()

	if _, err := UnmarshalACK(NewKeepAlive(1, 0)); !errors.Is(err, ErrNotControl) {
		t.Fatalf("UnmarshalACK(keepalive) error = %v, want ErrNotControl", err)
	}
	short := &Packet{Header: Header{IsControl: true, Type: TypeACK}, Payload: []byte{1, 2}}
	var pe *ParseError
	if _, err := UnmarshalACK(short); !errors.As(err, &pe) {
		t.Fatalf("UnmarshalACK(short) error = %v, want ParseError", err)
	}
}

func TestLossListRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ranges []LossRange
		size   int
	}{
		{
			name:   "single",
			ranges: []LossRange{{From: seqnum.New(10), To: seqnum.New(10)}},
			size:   4,
		},
		{
			name:   "range",
			ranges: []LossRange{{From: seqnum.New(10), To: seqnum.New(20)}},
			size:   8,
		},
		{
			name: "mixed",
			ranges: []LossRange{
				{From: seqnum.New(1), To: seqnum.New(1)},
				{From: seqnum.New(5), To: seqnum.New(9)},
				{From: seqnum.New(100), To: seqnum.New(100)},
			},
			size: 16,
		},
		{
			name:   "wrap",
			ranges: []LossRange{{From: seqnum.New(seqnum.Max - 1), To: seqnum.New(2)}},
			size:   8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cif := MarshalLossList(tt.ranges)
			if len(cif) != tt.size {
				t.Fatalf("len = %d, want %d", len(cif), tt.size)
			}
			got, err := UnmarshalLossList(cif)
			if err != nil {
				t.Fatalf("UnmarshalLossList() error = %v", err)
			}
			if diff := cmp.Diff(tt.ranges, got); diff != "" {
				t.Fatalf("loss list mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLossListRangeBit(t *testing.T) {
	t.Parallel()

	cif := MarshalLossList([]LossRange{{From: seqnum.New(7), To: seqnum.New(9)}})
	if cif[0]&0x80 == 0 {
		t.Fatal("range start is missing the high bit")
	}
	if cif[4]&0x80 != 0 {
		t.Fatal("range end has the high bit set")
	}
}

func TestLossListErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cif  []byte
	}{
		{"empty", nil},
		{"ragged", []byte{0, 0, 1}},
		{"truncated range", []byte{0x80, 0, 0, 1}},
		{"reversed range", MarshalLossList([]LossRange{{From: seqnum.New(20), To: seqnum.New(10)}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var pe *ParseError
			if _, err := UnmarshalLossList(tt.cif); !errors.As(err, &pe) {
				t.Fatalf("UnmarshalLossList() error = %v, want ParseError", err)
			}
		})
	}
}

func TestLossRangeCount(t *testing.T) {
	t.Parallel()

	r := LossRange{From: seqnum.New(seqnum.Max), To: seqnum.New(2)}
	if got, want := r.Count(), 4; got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
}

func TestDropReqRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewDropReq(2, 30, 77, seqnum.New(100), seqnum.New(110))
	if got, want := p.Header.Info, uint32(77); got != want {
		t.Fatalf("msgno = %d, want %d", got, want)
	}
	from, to, err := UnmarshalDropReq(p)
	if err != nil {
		t.Fatalf("UnmarshalDropReq() error = %v", err)
	}
	if from != seqnum.New(100) || to != seqnum.New(110) {
		t.Fatalf("range = [%d, %d], want [100, 110]", from, to)
	}
}

func TestDropReqErrors(t *testing.T) {
	t.Parallel()

	if _, _, err := UnmarshalDropReq(NewKeepAlive(1, 0)); !errors.Is(err, ErrNotControl) {
		t.Fatalf("error = %v, want ErrNotControl", err)
	}

	var pe *ParseError
	short := &Packet{Header: Header{IsControl: true, Type: TypeDropReq}, Payload: []byte{1}}
	if _, _, err := UnmarshalDropReq(short); !errors.As(err, &pe) {
		t.Fatalf("short error = %v, want ParseError", err)
	}
	rev := NewDropReq(1, 0, 0, seqnum.New(50), seqnum.New(40))
	if _, _, err := UnmarshalDropReq(rev); !errors.As(err, &pe) {
		t.Fatalf("reversed error = %v, want ParseError", err)
	}
}

func TestControlTypeString(t *testing.T) {
	t.Parallel()

	if got, want := TypeNAK.String(), "nak"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := ControlType(0x7F00).String(), "unknown"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
