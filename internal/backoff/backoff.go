// Package backoff provides the capped-doubling delay schedule used by the
// price-stream reconnector.
package backoff

import "time"

// Policy describes a capped exponential schedule: Base doubles on every
// attempt up to Max, and attempts beyond MaxAttempts are exhausted.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given retry attempt (0-based).
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

// Exhausted reports whether the given attempt exceeds the bounded count.
// MaxAttempts <= 0 means unbounded.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
