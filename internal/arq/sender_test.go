package arq

import (
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/srt/internal/buffer"
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestSender(t *testing.T, maxRetries int) (*Sender, *buffer.SendBuffer, time.Time) {
	t.Helper()
	buf := buffer.NewSend(seqnum.New(0), 64)
	s := NewSender(buf, NewRTT(), maxRetries, testLogger())
	t0 := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		p := packet.NewData(1, 0, buf.Next(), uint32(i+1), packet.PositionSolo, []byte{byte(i)})
		if err := buf.Push(p, t0); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	return s, buf, t0
}

func one(seq uint32) []packet.LossRange {
	s := seqnum.New(seq)
	return []packet.LossRange{{From: s, To: s}}
}

func TestSenderResendOnNAK(t *testing.T) {
	t.Parallel()

	s, buf, t0 := newTestSender(t, 3)
	resend, drops := s.HandleNAK(t0.Add(150*time.Millisecond), one(1))
	if len(drops) != 0 {
		t.Fatalf("drops = %v, want none", drops)
	}
	if len(resend) != 1 {
		t.Fatalf("resend count = %d, want 1", len(resend))
	}
	if got, want := resend[0].Header.Seq, seqnum.New(1); got != want {
		t.Fatalf("resend seq = %d, want %d", got, want)
	}
	if !resend[0].Header.Retransmitted {
		t.Fatal("retransmit flag not set")
	}
	e, _ := buf.Get(seqnum.New(1))
	if got, want := e.Retransmits, 1; got != want {
		t.Fatalf("Retransmits = %d, want %d", got, want)
	}
}

func TestSenderNAKBackoffGate(t *testing.T) {
	t.Parallel()

	s, _, t0 := newTestSender(t, 5)
	now := t0.Add(100 * time.Millisecond)
	if resend, _ := s.HandleNAK(now, one(0)); len(resend) != 1 {
		t.Fatalf("first NAK resends = %d, want 1", len(resend))
	}

	// Inside the backoff window the repeat NAK is ignored.
	if resend, _ := s.HandleNAK(now.Add(50*time.Millisecond), one(0)); len(resend) != 0 {
		t.Fatalf("gated NAK resends = %d, want 0", len(resend))
	}

	// Past one RTO (300ms default) the packet is eligible again.
	if resend, _ := s.HandleNAK(now.Add(301*time.Millisecond), one(0)); len(resend) != 1 {
		t.Fatalf("post-backoff NAK resends = %d, want 1", len(resend))
	}
}

func TestSenderNAKUnknownSeq(t *testing.T) {
	t.Parallel()

	s, buf, t0 := newTestSender(t, 3)
	buf.Ack(seqnum.New(2))
	resend, drops := s.HandleNAK(t0.Add(time.Second), one(0))
	if len(resend) != 0 || len(drops) != 0 {
		t.Fatalf("acked seq produced resend=%v drops=%v", resend, drops)
	}
}

func TestSenderExhaustion(t *testing.T) {
	t.Parallel()

	s, buf, t0 := newTestSender(t, 1)
	now := t0.Add(100 * time.Millisecond)
	if resend, _ := s.HandleNAK(now, one(2)); len(resend) != 1 {
		t.Fatal("budgeted resend did not happen")
	}
	if s.Degraded() {
		t.Fatal("Degraded() = true before exhaustion")
	}

	resend, drops := s.HandleNAK(now.Add(time.Second), one(2))
	if len(resend) != 0 {
		t.Fatalf("resend past budget = %d packets", len(resend))
	}
	want := []packet.LossRange{{From: seqnum.New(2), To: seqnum.New(2)}}
	if len(drops) != 1 || drops[0] != want[0] {
		t.Fatalf("drops = %v, want %v", drops, want)
	}
	if !s.Degraded() {
		t.Fatal("Degraded() = false after exhaustion")
	}
	if got, want := s.Dropped(), uint64(1); got != want {
		t.Fatalf("Dropped() = %d, want %d", got, want)
	}
	if _, ok := buf.Get(seqnum.New(2)); ok {
		t.Fatal("exhausted packet still in flight")
	}
}

func TestSenderExhaustionMergesRanges(t *testing.T) {
	t.Parallel()

	s, _, t0 := newTestSender(t, 1)
	now := t0.Add(100 * time.Millisecond)
	all := []packet.LossRange{{From: seqnum.New(0), To: seqnum.New(2)}}
	if resend, _ := s.HandleNAK(now, all); len(resend) != 3 {
		t.Fatal("budgeted resends did not happen")
	}

	_, drops := s.HandleNAK(now.Add(time.Second), all)
	if len(drops) != 1 {
		t.Fatalf("drops = %v, want one merged range", drops)
	}
	if drops[0].From != seqnum.New(0) || drops[0].To != seqnum.New(2) {
		t.Fatalf("merged range = %v, want [0, 2]", drops[0])
	}
}

func TestSenderTickRTO(t *testing.T) {
	t.Parallel()

	s, buf, t0 := newTestSender(t, 3)

	if resend, _ := s.Tick(t0.Add(299 * time.Millisecond)); len(resend) != 0 {
		t.Fatalf("early Tick resends = %d, want 0", len(resend))
	}

	resend, drops := s.Tick(t0.Add(300 * time.Millisecond))
	if len(drops) != 0 {
		t.Fatalf("drops = %v, want none", drops)
	}
	// Only the oldest goes out on timeout.
	if len(resend) != 1 {
		t.Fatalf("Tick resends = %d, want 1", len(resend))
	}
	if got, want := resend[0].Header.Seq, buf.First(); got != want {
		t.Fatalf("Tick resent %d, want oldest %d", got, want)
	}

	// The next timeout doubles.
	if resend, _ := s.Tick(t0.Add(600 * time.Millisecond)); len(resend) != 0 {
		t.Fatalf("Tick inside doubled window resends = %d, want 0", len(resend))
	}
	if resend, _ := s.Tick(t0.Add(901 * time.Millisecond)); len(resend) != 1 {
		t.Fatalf("Tick after doubled window resends = %d, want 1", len(resend))
	}
}

func TestSenderTickSkipsExhaustedHead(t *testing.T) {
	t.Parallel()

	s, buf, t0 := newTestSender(t, 1)
	now := t0.Add(100 * time.Millisecond)
	s.HandleNAK(now, one(0))

	// Head spent its budget; the timeout drops it and moves to the next.
	resend, drops := s.Tick(now.Add(2 * time.Second))
	if len(drops) != 1 || drops[0].From != seqnum.New(0) {
		t.Fatalf("drops = %v, want [0, 0]", drops)
	}
	if len(resend) != 1 {
		t.Fatalf("Tick resends = %d, want 1", len(resend))
	}
	if got, want := resend[0].Header.Seq, seqnum.New(1); got != want {
		t.Fatalf("Tick resent %d, want %d", got, want)
	}
	if got, want := buf.First(), seqnum.New(1); got != want {
		t.Fatalf("First() = %d, want %d", got, want)
	}
}

func TestSenderHandleACK(t *testing.T) {
	t.Parallel()

	s, buf, _ := newTestSender(t, 3)
	rttBefore := s.rtt.Smoothed()
	released := s.HandleACK(&packet.ACKInfo{
		AckSeq: seqnum.New(3),
		RTT:    40000,
		RTTVar: 10000,
	})
	if got, want := released, 3; got != want {
		t.Fatalf("released = %d, want %d", got, want)
	}
	if got, want := buf.Len(), 1; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	if s.rtt.Smoothed() == rttBefore {
		t.Fatal("full ACK did not update the RTT estimate")
	}

	// A lite ACK releases but carries no estimates.
	rttBefore = s.rtt.Smoothed()
	s.HandleACK(&packet.ACKInfo{AckSeq: seqnum.New(4), Lite: true})
	if s.rtt.Smoothed() != rttBefore {
		t.Fatal("lite ACK changed the RTT estimate")
	}
	if got, want := buf.Len(), 0; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}
