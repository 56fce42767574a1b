package arq

import (
	"log/slog"
	"time"

	"github.com/zsiec/srt/internal/buffer"
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

// ackWindowSize bounds how many unanswered full ACKs are kept around
// for RTT measurement.
const ackWindowSize = 64

type ackRecord struct {
	journal uint32
	at      time.Time
}

// ReceiverConfig tunes the acknowledgment traffic.
type ReceiverConfig struct {
	// ACKInterval is the cadence of full acknowledgments.
	ACKInterval time.Duration
	// NAKInterval floors the spacing of repeated loss reports; the
	// effective interval grows with the RTT.
	NAKInterval time.Duration
}

// Receiver produces the feedback traffic for the receiving half of a
// connection: an immediate NAK when an arrival exposes a gap, full ACKs
// on a fixed cadence, periodic re-NAKs of entries still missing, and
// RTT samples from ACKACK round trips. Packets it returns carry no
// destination or timestamp; the connection stamps them on send.
type Receiver struct {
	buf  *buffer.RecvBuffer
	loss *buffer.LossList
	rtt  *RTT
	cfg  ReceiverConfig
	log  *slog.Logger

	lastACK time.Time
	journal uint32
	window  []ackRecord
}

// NewReceiver returns a receiver policy over buf and loss.
func NewReceiver(buf *buffer.RecvBuffer, loss *buffer.LossList, rtt *RTT, cfg ReceiverConfig, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		buf:  buf,
		loss: loss,
		rtt:  rtt,
		cfg:  cfg,
		log:  log.With("component", "arq-receiver"),
	}
}

// HandleData files an arriving data packet. A stored arrival settles
// its own loss entry; one that lands ahead of everything seen so far
// opens the gap it exposed and reports it in an immediate NAK.
func (r *Receiver) HandleData(now time.Time, p *packet.Packet) (buffer.PushResult, *packet.Packet) {
	res, gaps := r.buf.Push(p)
	if res != buffer.PushStored {
		return res, nil
	}
	r.loss.Remove(p.Header.Seq)
	if len(gaps) == 0 {
		return res, nil
	}
	for _, g := range gaps {
		r.loss.Insert(g.From, g.To, now)
	}
	return res, packet.NewNAK(0, 0, gaps)
}

// HandleDrop abandons the range the peer gave up on: the loss entries
// disappear and the delivery cursor jumps the hole. Returns how many
// sequence numbers were skipped.
func (r *Receiver) HandleDrop(from, to seqnum.Value) int {
	r.loss.RemoveRange(from, to)
	skipped := r.buf.Drop(to.Inc())
	if skipped > 0 {
		r.log.Warn("peer dropped unrecoverable packets, stream has a hole",
			"from", uint32(from), "to", uint32(to), "skipped", skipped)
	}
	return skipped
}

// Tick emits whatever feedback is due: a full ACK once the ACK cadence
// elapses and a NAK re-reporting loss entries that aged past the NAK
// interval. Either or both may be nil.
func (r *Receiver) Tick(now time.Time) (ack, nak *packet.Packet) {
	if r.lastACK.IsZero() || now.Sub(r.lastACK) >= r.cfg.ACKInterval {
		ack = r.buildACK(now)
		r.lastACK = now
	}
	if due := r.loss.Report(now, r.nakInterval(), r.buf.Expected()); len(due) > 0 {
		nak = packet.NewNAK(0, 0, due)
	}
	return ack, nak
}

// HandleACKACK closes the RTT loop for the acknowledged ACK. ACKACKs
// for ACKs that already fell out of the window are ignored.
func (r *Receiver) HandleACKACK(now time.Time, journal uint32) {
	for i, rec := range r.window {
		if rec.journal != journal {
			continue
		}
		r.rtt.Update(now.Sub(rec.at))
		// Older records will never be answered once a newer one is.
		r.window = r.window[i+1:]
		return
	}
}

func (r *Receiver) buildACK(now time.Time) *packet.Packet {
	r.journal++
	rtt, rttvar := r.rtt.Micros()
	p := packet.NewACK(0, 0, r.journal, packet.ACKInfo{
		AckSeq:       r.buf.Expected(),
		RTT:          rtt,
		RTTVar:       rttvar,
		AvailBufSize: uint32(r.buf.Avail()),
	})
	r.window = append(r.window, ackRecord{journal: r.journal, at: now})
	if len(r.window) > ackWindowSize {
		r.window = r.window[len(r.window)-ackWindowSize:]
	}
	return p
}

func (r *Receiver) nakInterval() time.Duration {
	if iv := r.rtt.NAKInterval(); iv > r.cfg.NAKInterval {
		return iv
	}
	return r.cfg.NAKInterval
}
