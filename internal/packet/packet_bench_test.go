package packet

import (
	"testing"

	"github.com/zsiec/srt/internal/seqnum"
)

func BenchmarkMarshalData(b *testing.B) {
	payload := make([]byte, 1316)
	for i := range payload {
		payload[i] = byte(i)
	}
	p := NewData(0x1234, 5000, seqnum.New(42), 7, PositionSolo, payload)
	b.SetBytes(int64(HeaderSize + len(payload)))

	for b.Loop() {
		p.Marshal()
	}
}

func BenchmarkUnmarshalData(b *testing.B) {
	payload := make([]byte, 1316)
	raw := NewData(0x1234, 5000, seqnum.New(42), 7, PositionSolo, payload).Marshal()
	b.SetBytes(int64(len(raw)))

	for b.Loop() {
		Unmarshal(raw)
	}
}

func BenchmarkUnmarshalLossList(b *testing.B) {
	cif := MarshalLossList([]LossRange{
		{From: 10, To: 10},
		{From: 14, To: 30},
		{From: 35, To: 35},
		{From: 40, To: 120},
	})
	b.SetBytes(int64(len(cif)))

	for b.Loop() {
		UnmarshalLossList(cif)
	}
}
