package buffer

import (
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

// PushResult classifies what RecvBuffer.Push did with a packet.
type PushResult int

const (
	// PushStored accepted a new packet into the buffer.
	PushStored PushResult = iota
	// PushDuplicate dropped a packet already received.
	PushDuplicate
	// PushOutOfWindow dropped a packet too far ahead of the receive
	// cursor to buffer.
	PushOutOfWindow
)

func (r PushResult) String() string {
	switch r {
	case PushStored:
		return "stored"
	case PushDuplicate:
		return "duplicate"
	case PushOutOfWindow:
		return "out of window"
	}
	return "unknown"
}

// RecvBuffer reorders arriving data packets. Arrivals park in pending
// until the sequence is contiguous, then move to the ready queue that
// Pop consumes, so payloads come out in strictly increasing sequence
// order. The expected cursor tracks contiguous receipt, not
// consumption; it is the value cumulative ACKs carry, and it never
// moves backward.
type RecvBuffer struct {
	pending  map[seqnum.Value]*packet.Packet
	ready    [][]byte
	expected seqnum.Value // next seq needed to extend the contiguous run
	horizon  seqnum.Value // newest seq seen, starts one before expected
	capacity int
}

// NewRecv returns a receive buffer expecting initial as the first
// sequence number, holding at most capacity packets.
func NewRecv(initial seqnum.Value, capacity int) *RecvBuffer {
	return &RecvBuffer{
		pending:  make(map[seqnum.Value]*packet.Packet),
		expected: initial,
		horizon:  initial.Dec(),
		capacity: capacity,
	}
}

// Push files an arriving data packet. When the packet lands ahead of
// every previously seen sequence number, the returned loss ranges name
// the gap it exposed; they are empty otherwise.
func (b *RecvBuffer) Push(p *packet.Packet) (PushResult, []packet.LossRange) {
	seq := p.Header.Seq

	off := seqnum.Offset(b.expected, seq)
	if off < 0 {
		return PushDuplicate, nil
	}
	if off >= b.capacity-len(b.ready) {
		return PushOutOfWindow, nil
	}
	if _, ok := b.pending[seq]; ok {
		return PushDuplicate, nil
	}
	b.pending[seq] = p

	var loss []packet.LossRange
	if seqnum.Less(b.horizon, seq) {
		if d := seqnum.Offset(b.horizon, seq); d > 1 {
			loss = append(loss, packet.LossRange{From: b.horizon.Inc(), To: seq.Dec()})
		}
		b.horizon = seq
	}
	b.drain()
	return PushStored, loss
}

// drain moves the contiguous run at the cursor into the ready queue.
func (b *RecvBuffer) drain() {
	for {
		p, ok := b.pending[b.expected]
		if !ok {
			return
		}
		delete(b.pending, b.expected)
		b.ready = append(b.ready, p.Payload)
		b.expected = b.expected.Inc()
	}
}

// Drop abandons every sequence number before upTo after the peer gave
// up retransmitting them. Buffered packets inside the span are
// discarded with it; the byte stream continues past the hole. Returns
// how many sequence numbers were skipped.
func (b *RecvBuffer) Drop(upTo seqnum.Value) int {
	n := seqnum.Offset(b.expected, upTo)
	if n <= 0 || n > b.capacity {
		return 0
	}
	for s := b.expected; s != upTo; s = s.Inc() {
		delete(b.pending, s)
	}
	b.expected = upTo
	if seqnum.Less(b.horizon, upTo.Dec()) {
		b.horizon = upTo.Dec()
	}
	b.drain()
	return n
}

// Peek returns the next in-order payload without consuming it.
func (b *RecvBuffer) Peek() ([]byte, bool) {
	if len(b.ready) == 0 {
		return nil, false
	}
	return b.ready[0], true
}

// Pop removes and returns the next in-order payload. ok is false while
// the packet extending the contiguous run has not arrived.
func (b *RecvBuffer) Pop() ([]byte, bool) {
	if len(b.ready) == 0 {
		return nil, false
	}
	payload := b.ready[0]
	b.ready[0] = nil
	b.ready = b.ready[1:]
	return payload, true
}

// Expected returns the next sequence number needed to extend the
// contiguous run, which is also the cumulative ACK value.
func (b *RecvBuffer) Expected() seqnum.Value { return b.expected }

// Len returns the number of held packets, parked and ready combined.
func (b *RecvBuffer) Len() int { return len(b.pending) + len(b.ready) }

// Avail returns the free buffer capacity in packets, advertised to the
// peer in full ACKs.
func (b *RecvBuffer) Avail() int {
	if a := b.capacity - b.Len(); a > 0 {
		return a
	}
	return 0
}
