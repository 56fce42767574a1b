// Package arq implements the retransmission policy for both halves of
// a connection: when the sending side resends or abandons in-flight
// packets, and when the receiving side acknowledges arrivals and
// reports losses. The policies mutate the buffer package's state and
// hand finished packets back to the connection loop; they do no I/O and
// keep no timers of their own.
package arq

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/srt/internal/buffer"
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

// ErrRetransmissionExhausted marks a connection that had to abandon
// packets because their retry budget ran out. The connection keeps
// running; the error shows up in logs and in Degraded().
var ErrRetransmissionExhausted = errors.New("srt: retransmission budget exhausted")

// Sender drives retransmission for the sending half: NAK-triggered
// resends with per-packet exponential backoff, timeout-triggered
// resends of the oldest un-ACKed packet, and abandonment once a
// packet's retry budget is spent.
type Sender struct {
	buf        *buffer.SendBuffer
	rtt        *RTT
	maxRetries int
	log        *slog.Logger

	degraded atomic.Bool
	dropped  atomic.Uint64
}

// NewSender returns a sender policy over buf. A packet is retransmitted
// at most maxRetries times before being dropped.
func NewSender(buf *buffer.SendBuffer, rtt *RTT, maxRetries int, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		buf:        buf,
		rtt:        rtt,
		maxRetries: maxRetries,
		log:        log.With("component", "arq-sender"),
	}
}

// HandleACK releases acknowledged packets and adopts the RTT estimates
// the receiver reported. Returns the number of packets released.
func (s *Sender) HandleACK(info *packet.ACKInfo) int {
	released := s.buf.Ack(info.AckSeq)
	if !info.Lite {
		s.rtt.UpdateFromPeer(
			time.Duration(info.RTT)*time.Microsecond,
			time.Duration(info.RTTVar)*time.Microsecond,
		)
	}
	return released
}

// HandleNAK schedules retransmissions for the reported loss ranges.
// Packets still inside their backoff window are left alone. Packets
// whose budget is spent are released and returned in drops so the
// connection can tell the receiver to skip them.
func (s *Sender) HandleNAK(now time.Time, ranges []packet.LossRange) (resend []*packet.Packet, drops []packet.LossRange) {
	for _, r := range ranges {
		for seq := r.From; ; seq = seq.Inc() {
			resend, drops = s.consider(now, seq, resend, drops)
			if seq == r.To {
				break
			}
		}
	}
	return resend, drops
}

// Tick runs the retransmission timeout: once the oldest un-ACKed packet
// has waited out its backoff with no feedback at all, it is resent, or
// dropped when its budget is gone.
func (s *Sender) Tick(now time.Time) (resend []*packet.Packet, drops []packet.LossRange) {
	for {
		e, ok := s.buf.Oldest()
		if !ok {
			return resend, drops
		}
		if e.Retransmits >= s.maxRetries {
			drops = s.exhaust(e.Packet.Header.Seq, drops)
			continue
		}
		if now.Sub(e.LastSent) < s.rtt.Backoff(e.Retransmits) {
			return resend, drops
		}
		s.markResent(e, now)
		return append(resend, e.Packet), drops
	}
}

// Degraded reports whether the sender has ever abandoned a packet.
func (s *Sender) Degraded() bool { return s.degraded.Load() }

// Dropped returns the total number of abandoned packets.
func (s *Sender) Dropped() uint64 { return s.dropped.Load() }

func (s *Sender) consider(now time.Time, seq seqnum.Value, resend []*packet.Packet, drops []packet.LossRange) ([]*packet.Packet, []packet.LossRange) {
	e, ok := s.buf.Get(seq)
	if !ok {
		return resend, drops
	}
	if e.Retransmits >= s.maxRetries {
		return resend, s.exhaust(seq, drops)
	}
	// The first resend answers the NAK immediately; each one after
	// waits out a doubled backoff window.
	if e.Retransmits > 0 && now.Sub(e.LastSent) < s.rtt.Backoff(e.Retransmits-1) {
		return resend, drops
	}
	s.markResent(e, now)
	return append(resend, e.Packet), drops
}

func (s *Sender) markResent(e *buffer.SendEntry, now time.Time) {
	e.Retransmits++
	e.LastSent = now
	e.Packet.Header.Retransmitted = true
}

func (s *Sender) exhaust(seq seqnum.Value, drops []packet.LossRange) []packet.LossRange {
	s.buf.Drop(seq)
	s.dropped.Add(1)
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Warn("abandoning packets after repeated loss",
			"seq", uint32(seq),
			"max_retries", s.maxRetries,
			"err", ErrRetransmissionExhausted)
	}
	if n := len(drops); n > 0 && drops[n-1].To.Inc() == seq {
		drops[n-1].To = seq
		return drops
	}
	return append(drops, packet.LossRange{From: seq, To: seq})
}
