package buffer

import (
	"sort"
	"time"

	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

type lossEntry struct {
	detectedAt time.Time
	lastNAK    time.Time
	nakCount   int
}

// LossList is the receiver's record of sequence numbers it has detected
// as missing. Entries enter when a gap is exposed, leave exactly when
// the packet arrives, and are re-reported while they stay missing.
type LossList struct {
	entries map[seqnum.Value]*lossEntry
}

// NewLoss returns an empty loss list.
func NewLoss() *LossList {
	return &LossList{entries: make(map[seqnum.Value]*lossEntry)}
}

// Insert records the inclusive range [from, to] as missing. The first
// NAK for the range is counted as sent at now; Report will pick the
// entries up again once they age past the report interval.
func (l *LossList) Insert(from, to seqnum.Value, now time.Time) {
	for s := from; ; s = s.Inc() {
		if _, ok := l.entries[s]; !ok {
			l.entries[s] = &lossEntry{detectedAt: now, lastNAK: now, nakCount: 1}
		}
		if s == to {
			return
		}
	}
}

// Remove deletes seq from the list, reporting whether it was present.
// Called when the missing packet finally arrives.
func (l *LossList) Remove(seq seqnum.Value) bool {
	if _, ok := l.entries[seq]; !ok {
		return false
	}
	delete(l.entries, seq)
	return true
}

// RemoveRange deletes every entry in the inclusive range [from, to],
// used when the peer drops the range instead of retransmitting it.
// Returns the number of entries removed.
func (l *LossList) RemoveRange(from, to seqnum.Value) int {
	removed := 0
	for s := from; ; s = s.Inc() {
		if _, ok := l.entries[s]; ok {
			delete(l.entries, s)
			removed++
		}
		if s == to {
			return removed
		}
	}
}

// Has reports whether seq is currently recorded as missing.
func (l *LossList) Has(seq seqnum.Value) bool {
	_, ok := l.entries[seq]
	return ok
}

// NAKCount returns how many NAK reports have covered seq.
func (l *LossList) NAKCount(seq seqnum.Value) int {
	e, ok := l.entries[seq]
	if !ok {
		return 0
	}
	return e.nakCount
}

// Age returns how long seq has been missing as of now.
func (l *LossList) Age(seq seqnum.Value, now time.Time) (time.Duration, bool) {
	e, ok := l.entries[seq]
	if !ok {
		return 0, false
	}
	return now.Sub(e.detectedAt), true
}

// Len returns the number of missing sequence numbers.
func (l *LossList) Len() int { return len(l.entries) }

// Report collects every entry whose last NAK is at least interval old,
// stamps it as re-reported at now, and returns the set compressed into
// ranges ordered outward from base. An empty result means nothing is
// due.
func (l *LossList) Report(now time.Time, interval time.Duration, base seqnum.Value) []packet.LossRange {
	var due []seqnum.Value
	for s, e := range l.entries {
		if now.Sub(e.lastNAK) < interval {
			continue
		}
		e.lastNAK = now
		e.nakCount++
		due = append(due, s)
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		return seqnum.Offset(base, due[i]) < seqnum.Offset(base, due[j])
	})

	ranges := []packet.LossRange{{From: due[0], To: due[0]}}
	for _, s := range due[1:] {
		last := &ranges[len(ranges)-1]
		if s == last.To.Inc() {
			last.To = s
			continue
		}
		ranges = append(ranges, packet.LossRange{From: s, To: s})
	}
	return ranges
}
