// Package buffer holds the per-connection sequence tracking state: the
// sender's in-flight window, the receiver's reordering buffer, and the
// receiver's loss list. The containers are pure state; timing policy
// (when to ACK, NAK, or retransmit) lives in the arq package. None of
// them are safe for concurrent use; each belongs to one connection's
// event loop.
package buffer

import (
	"errors"
	"time"

	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

// ErrWindowFull is returned by SendBuffer.Push when the flow window has
// no room for another in-flight packet.
var ErrWindowFull = errors.New("srt: flow window full")

// SendEntry is one in-flight data packet and its retransmission state.
type SendEntry struct {
	Packet      *packet.Packet
	SentAt      time.Time
	Retransmits int
	LastSent    time.Time
}

// SendBuffer tracks data packets between the last acknowledged sequence
// number and the highest sent one. Packets are pushed with contiguous
// sequence numbers and released by cumulative ACKs.
type SendBuffer struct {
	entries  map[seqnum.Value]*SendEntry
	first    seqnum.Value // oldest unacknowledged
	next     seqnum.Value // one past the newest pushed
	capacity int
}

// NewSend returns a send buffer whose first packet will carry seq
// initial, bounded by capacity in-flight packets.
func NewSend(initial seqnum.Value, capacity int) *SendBuffer {
	return &SendBuffer{
		entries:  make(map[seqnum.Value]*SendEntry),
		first:    initial,
		next:     initial,
		capacity: capacity,
	}
}

// Push records a freshly sent packet. The packet's sequence number must
// be the buffer's next one; the conn assigns them contiguously.
func (b *SendBuffer) Push(p *packet.Packet, now time.Time) error {
	if b.Len() >= b.capacity {
		return ErrWindowFull
	}
	seq := p.Header.Seq
	b.entries[seq] = &SendEntry{Packet: p, SentAt: now, LastSent: now}
	b.next = seq.Inc()
	return nil
}

// Ack releases every packet with a sequence number before upTo, the
// peer's next expected value. Stale or out-of-window ACKs release
// nothing. Returns the number of packets released.
func (b *SendBuffer) Ack(upTo seqnum.Value) int {
	n := seqnum.Offset(b.first, upTo)
	if n <= 0 || n > seqnum.Offset(b.first, b.next) {
		return 0
	}
	released := 0
	for s := b.first; s != upTo; s = s.Inc() {
		if _, ok := b.entries[s]; ok {
			delete(b.entries, s)
			released++
		}
	}
	b.first = upTo
	return released
}

// Drop releases a single in-flight packet without acknowledgment, used
// when its retransmission budget runs out. The window cursor skips any
// leading hole this opens.
func (b *SendBuffer) Drop(seq seqnum.Value) bool {
	if _, ok := b.entries[seq]; !ok {
		return false
	}
	delete(b.entries, seq)
	for b.first != b.next {
		if _, ok := b.entries[b.first]; ok {
			break
		}
		b.first = b.first.Inc()
	}
	return true
}

// Get returns the in-flight entry for seq.
func (b *SendBuffer) Get(seq seqnum.Value) (*SendEntry, bool) {
	e, ok := b.entries[seq]
	return e, ok
}

// Oldest returns the entry for the oldest unacknowledged packet.
func (b *SendBuffer) Oldest() (*SendEntry, bool) {
	e, ok := b.entries[b.first]
	return e, ok
}

// First returns the oldest unacknowledged sequence number.
func (b *SendBuffer) First() seqnum.Value { return b.first }

// Next returns the sequence number the following Push must carry.
func (b *SendBuffer) Next() seqnum.Value { return b.next }

// Len returns the number of in-flight packets.
func (b *SendBuffer) Len() int { return len(b.entries) }

// Free returns how many more packets fit in the flow window.
func (b *SendBuffer) Free() int { return b.capacity - len(b.entries) }
