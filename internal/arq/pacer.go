package arq

import "time"

// Pacer spaces data packet sends to a fixed byte rate. Each Delay call
// claims the next send slot and advances the schedule by the packet's
// share of the rate, so call it exactly once per packet and wait out
// the returned duration before sending. The zero rate disables pacing.
type Pacer struct {
	rate int64 // bytes per second
	next time.Time
}

// NewPacer returns a pacer emitting at most bytesPerSecond.
func NewPacer(bytesPerSecond int64) *Pacer {
	return &Pacer{rate: bytesPerSecond}
}

// Delay returns how long to wait before putting size more bytes on the
// wire. Zero means send immediately.
func (p *Pacer) Delay(now time.Time, size int) time.Duration {
	if p.rate <= 0 {
		return 0
	}
	gap := time.Duration(int64(size) * int64(time.Second) / p.rate)
	if p.next.Before(now) {
		// Idle link: restart the schedule instead of bursting the
		// accumulated credit.
		p.next = now.Add(gap)
		return 0
	}
	d := p.next.Sub(now)
	p.next = p.next.Add(gap)
	return d
}
