// Package pattern generates and verifies a deterministic record stream
// used to check end-to-end delivery through lossy paths. Records are
// fixed size and self-describing, so a verifier fed an arbitrary byte
// stream can count arrivals, spot the holes left by abandoned packets,
// and resynchronize on the next record boundary.
package pattern

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kelindar/bitmap"
)

// RecordSize is the wire size of one pattern record.
const RecordSize = 1024

const (
	headerSize = 8
	magic      = 0x53525450
)

var magicBytes = []byte{0x53, 0x52, 0x54, 0x50}

// fill returns the payload byte at offset i of record idx. The high
// bit is always set so the magic sequence cannot occur inside a
// payload, which keeps resynchronization unambiguous.
func fill(idx uint32, i int) byte {
	return 0x80 | byte(uint32(i)*131+idx*61+7)
}

// Record renders record idx: a magic marker, the index, and a payload
// derived from it.
func Record(idx uint32) []byte {
	b := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(b[0:4], magic)
	binary.BigEndian.PutUint32(b[4:8], idx)
	for i := headerSize; i < RecordSize; i++ {
		b[i] = fill(idx, i-headerSize)
	}
	return b
}

// NewReader returns a reader that yields records 0 through n-1 and
// then io.EOF.
func NewReader(n int) io.Reader {
	return &reader{n: n}
}

type reader struct {
	n    int
	sent int
	rest []byte
}

func (r *reader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		if r.sent >= r.n {
			return 0, io.EOF
		}
		r.rest = Record(uint32(r.sent))
		r.sent++
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

// Verifier consumes a byte stream and accounts for the pattern records
// in it. It implements io.Writer so it can sit under io.Copy. Record
// boundaries need not align with writes.
type Verifier struct {
	seen    bitmap.Bitmap
	buf     []byte
	inGap   bool
	records int
	corrupt int
	resyncs int
	skipped int64
}

func NewVerifier() *Verifier { return &Verifier{} }

func (v *Verifier) Write(p []byte) (int, error) {
	v.buf = append(v.buf, p...)
	v.scan()
	return len(p), nil
}

func (v *Verifier) scan() {
	b := v.buf
	for {
		off := bytes.Index(b, magicBytes)
		if off < 0 {
			// No boundary in sight. Keep a tail in case the marker
			// straddles this write and the next.
			keep := len(magicBytes) - 1
			if keep > len(b) {
				keep = len(b)
			}
			v.gap(len(b) - keep)
			b = b[len(b)-keep:]
			break
		}
		v.gap(off)
		b = b[off:]
		if len(b) < RecordSize {
			break
		}
		idx := binary.BigEndian.Uint32(b[4:8])
		if !payloadOK(b, idx) {
			// Step past the marker and rescan rather than assuming the
			// rest of the record is where it should be. A hole in the
			// stream shifts everything after it.
			v.corrupt++
			v.inGap = false
			b = b[len(magicBytes):]
			continue
		}
		v.records++
		v.seen.Set(idx)
		v.inGap = false
		b = b[RecordSize:]
	}
	n := copy(v.buf, b)
	v.buf = v.buf[:n]
}

// gap accounts for n bytes that belong to no verifiable record.
func (v *Verifier) gap(n int) {
	if n <= 0 {
		return
	}
	v.skipped += int64(n)
	if !v.inGap {
		v.resyncs++
		v.inGap = true
	}
}

func payloadOK(rec []byte, idx uint32) bool {
	for i := headerSize; i < RecordSize; i++ {
		if rec[i] != fill(idx, i-headerSize) {
			return false
		}
	}
	return true
}

// Report is a snapshot of the verification counters.
type Report struct {
	Records int    // records verified intact, duplicates included
	Unique  int    // distinct record indexes seen
	Corrupt int    // records whose marker matched but payload did not
	Resyncs int    // contiguous stretches of unaccounted bytes
	Skipped int64  // bytes discarded while hunting for a boundary
	Highest uint32 // highest record index seen
}

// Missing reports how many indexes below the highest seen never
// arrived intact.
func (r Report) Missing() int {
	if r.Records == 0 {
		return 0
	}
	return int(r.Highest) + 1 - r.Unique
}

func (v *Verifier) Report() Report {
	r := Report{
		Records: v.records,
		Unique:  v.seen.Count(),
		Corrupt: v.corrupt,
		Resyncs: v.resyncs,
		Skipped: v.skipped,
	}
	if max, ok := v.seen.Max(); ok {
		r.Highest = max
	}
	return r
}
