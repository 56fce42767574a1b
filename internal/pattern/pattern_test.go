package pattern

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stream(t *testing.T, n int) []byte {
	t.Helper()
	data, err := io.ReadAll(NewReader(n))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != n*RecordSize {
		t.Fatalf("stream length = %d, want %d", len(data), n*RecordSize)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	v := NewVerifier()
	if _, err := io.Copy(v, NewReader(50)); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	want := Report{Records: 50, Unique: 50, Highest: 49}
	if diff := cmp.Diff(want, v.Report()); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	if got := v.Report().Missing(); got != 0 {
		t.Fatalf("Missing = %d, want 0", got)
	}
}

func TestReaderMatchesRecords(t *testing.T) {
	t.Parallel()

	data := stream(t, 3)
	for idx := uint32(0); idx < 3; idx++ {
		rec := data[int(idx)*RecordSize : int(idx+1)*RecordSize]
		if !bytes.Equal(rec, Record(idx)) {
			t.Fatalf("record %d from reader differs from Record(%d)", idx, idx)
		}
	}
}

func TestVerifierSplitWrites(t *testing.T) {
	t.Parallel()

	// Split mid-marker so the carried tail matters.
	data := stream(t, 2)
	cut := RecordSize + 2
	v := NewVerifier()
	v.Write(data[:cut])
	v.Write(data[cut:])
	want := Report{Records: 2, Unique: 2, Highest: 1}
	if diff := cmp.Diff(want, v.Report()); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestVerifierDetectsHole(t *testing.T) {
	t.Parallel()

	// Cut 300 bytes out of record 3, the way a dropped packet would.
	data := stream(t, 10)
	at := 3*RecordSize + 100
	holed := append(append([]byte(nil), data[:at]...), data[at+300:]...)

	v := NewVerifier()
	v.Write(holed)
	r := v.Report()
	if r.Records != 9 || r.Unique != 9 {
		t.Fatalf("records = %d unique = %d, want 9 and 9", r.Records, r.Unique)
	}
	if r.Corrupt != 1 {
		t.Fatalf("corrupt = %d, want 1", r.Corrupt)
	}
	if got := r.Missing(); got != 1 {
		t.Fatalf("Missing = %d, want 1", got)
	}
	if r.Resyncs != 1 || r.Skipped == 0 {
		t.Fatalf("resyncs = %d skipped = %d, want one gap with bytes in it", r.Resyncs, r.Skipped)
	}
}

func TestVerifierDetectsCorruption(t *testing.T) {
	t.Parallel()

	data := stream(t, 3)
	data[RecordSize+500] = 0x00 // flip a payload byte of record 1

	v := NewVerifier()
	v.Write(data)
	r := v.Report()
	if r.Records != 2 || r.Corrupt != 1 {
		t.Fatalf("records = %d corrupt = %d, want 2 and 1", r.Records, r.Corrupt)
	}
	if got := r.Missing(); got != 1 {
		t.Fatalf("Missing = %d, want 1", got)
	}
	// The scanner steps past the marker and discards the rest of the
	// broken record on its way to the next boundary.
	if r.Skipped != RecordSize-int64(len(magicBytes)) {
		t.Fatalf("skipped = %d, want %d", r.Skipped, RecordSize-len(magicBytes))
	}
}

func TestVerifierLeadingGarbage(t *testing.T) {
	t.Parallel()

	junk := bytes.Repeat([]byte{0xEE}, 37)
	v := NewVerifier()
	v.Write(append(junk, stream(t, 2)...))
	r := v.Report()
	if r.Records != 2 {
		t.Fatalf("records = %d, want 2", r.Records)
	}
	if r.Resyncs != 1 || r.Skipped != 37 {
		t.Fatalf("resyncs = %d skipped = %d, want 1 and 37", r.Resyncs, r.Skipped)
	}
}
