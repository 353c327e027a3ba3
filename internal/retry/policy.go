// Package retry provides the exponential backoff policy shared by the
// delivery pipeline and the offline queue.
package retry

import "time"

// Policy computes capped exponential backoff delays. Pure and stateless.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Default is the live-send policy: 1s base, 30s cap, 3 attempts.
var Default = Policy{
	Base:        time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 3,
}

// Delay returns the backoff before attempt n. Attempt numbering starts at 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// NextEligible returns the earliest time a new attempt may run, given the
// time of the previous attempt and how many attempts have already happened.
func (p Policy) NextEligible(lastAttempt time.Time, attempts int) time.Time {
	if attempts <= 0 {
		return lastAttempt
	}
	return lastAttempt.Add(p.Delay(attempts - 1))
}

// ReadyForRetry reports whether an item with the given attempt history is
// past its backoff window at now.
func (p Policy) ReadyForRetry(lastAttempt time.Time, attempts int, now time.Time) bool {
	return !now.Before(p.NextEligible(lastAttempt, attempts))
}
