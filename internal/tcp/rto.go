package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialRTO = time.Second
	minRTO     = 200 * time.Millisecond
	maxRTO     = 60 * time.Second
)

// rtoEstimator implements the Jacobson/Karels SRTT/RTTVAR smoothing
// (RFC 6298) for RTT samples, combined with Karn's rule (a sample is
// only taken from a segment that was never retransmitted) via the
// caller tracking retransmit count itself and simply not calling
// Sample for retransmitted segments.
//
// Backoff on retransmit timeout (RFC 6298 §5.5's "double the RTO")
// is delegated to cenkalti/backoff's exponential backoff rather than
// hand-rolled doubling, mirroring internal/arp's use of the same
// library for its own retransmit cadence.
type rtoEstimator struct {
	srtt, rttvar time.Duration
	have         bool
	backoff      backoff.BackOff
}

func newRTOEstimator() *rtoEstimator {
	return &rtoEstimator{backoff: newRetransmitBackoff()}
}

// newRetransmitBackoff's sequence is consumed only after the first
// timeout, which fires at RTO(), so it starts at twice that value.
func newRetransmitBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * initialRTO
	b.MaxInterval = maxRTO
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// Sample folds one round-trip-time measurement into the estimator
// (RFC 6298 §2).
func (r *rtoEstimator) Sample(rtt time.Duration) {
	if !r.have {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.have = true
	} else {
		delta := r.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		r.rttvar = (3*r.rttvar + delta) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	// A fresh RTT sample resets the retransmit backoff sequence so it
	// starts again from twice the new RTO, not from wherever the
	// previous retransmit run left off.
	if eb, ok := r.backoff.(*backoff.ExponentialBackOff); ok {
		next := 2 * r.RTO()
		if next > maxRTO {
			next = maxRTO
		}
		eb.InitialInterval = next
	}
	r.backoff.Reset()
}

// RTO returns the current retransmission timeout: srtt + 4*rttvar,
// clamped to [minRTO, maxRTO], or initialRTO before any sample.
func (r *rtoEstimator) RTO() time.Duration {
	if !r.have {
		return initialRTO
	}
	rto := r.srtt + 4*r.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// NextBackoff returns the next retransmit interval in an ongoing
// timeout sequence (no new ACK has arrived to reset it), doubling
// each call per RFC 6298 §5.5.
func (r *rtoEstimator) NextBackoff() time.Duration {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return maxRTO
	}
	return d
}
