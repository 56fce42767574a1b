package arq

import "time"

// Estimates used before the first measurement, per UDT.
const (
	initialRTT    = 100 * time.Millisecond
	initialRTTVar = 50 * time.Millisecond
)

// Retransmission timeout clamping bounds.
const (
	minRTO = 50 * time.Millisecond
	maxRTO = 5 * time.Second
)

// minNAKInterval floors the spacing of repeated loss reports.
const minNAKInterval = 20 * time.Millisecond

// RTT tracks the smoothed round-trip time and its variance with UDT's
// EWMA weights: 1/8 on the mean, 1/4 on the variance. It feeds the
// retransmission timeout, the NAK cadence, and the RTT fields of
// outgoing ACKs.
type RTT struct {
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool
}

// NewRTT returns an estimator seeded with the UDT defaults.
func NewRTT() *RTT {
	return &RTT{srtt: initialRTT, rttvar: initialRTTVar}
}

// Update folds a fresh round-trip measurement into the estimate.
func (r *RTT) Update(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !r.sampled {
		r.sampled = true
		r.srtt = sample
		r.rttvar = sample / 2
		return
	}
	diff := r.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
	r.srtt = (7*r.srtt + sample) / 8
}

// UpdateFromPeer folds the estimates the peer reported in a full ACK.
// The sending side has no measurements of its own, so it adopts the
// receiver's view of the path.
func (r *RTT) UpdateFromPeer(rtt, rttvar time.Duration) {
	if rtt <= 0 {
		return
	}
	if !r.sampled {
		r.sampled = true
		r.srtt = rtt
		r.rttvar = rttvar
		return
	}
	r.srtt = (7*r.srtt + rtt) / 8
	r.rttvar = (3*r.rttvar + rttvar) / 4
}

// Smoothed returns the current round-trip estimate.
func (r *RTT) Smoothed() time.Duration { return r.srtt }

// Variance returns the current round-trip variance.
func (r *RTT) Variance() time.Duration { return r.rttvar }

// RTO returns the retransmission timeout, srtt + 4·rttvar clamped to
// [minRTO, maxRTO].
func (r *RTT) RTO() time.Duration {
	rto := r.srtt + 4*r.rttvar
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}

// Backoff returns the wait before the next retransmission of a packet
// already resent attempts times: the RTO doubled per attempt, capped.
func (r *RTT) Backoff(attempts int) time.Duration {
	rto := r.RTO()
	for i := 0; i < attempts; i++ {
		rto *= 2
		if rto >= maxRTO {
			return maxRTO
		}
	}
	return rto
}

// NAKInterval returns the spacing for repeated loss reports, half the
// unclamped timeout with a floor.
func (r *RTT) NAKInterval() time.Duration {
	iv := (r.srtt + 4*r.rttvar) / 2
	if iv < minNAKInterval {
		return minNAKInterval
	}
	return iv
}

// Micros returns the estimates in microseconds, the unit ACK packets
// carry them in.
func (r *RTT) Micros() (rtt, rttvar uint32) {
	return uint32(r.srtt / time.Microsecond), uint32(r.rttvar / time.Microsecond)
}
