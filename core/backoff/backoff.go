// Package backoff computes bounded exponential delays.
//
// The same policy drives command retries and reconnection attempts: the
// delay doubles from Base on every attempt and never exceeds Cap, so the
// schedule is non-decreasing.
package backoff

import "time"

// DefaultFactor is the growth factor applied between attempts.
const DefaultFactor = 2.0

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds every delay. Zero means unbounded.
	Cap time.Duration
	// Factor is the multiplier between attempts. Values <= 1 use DefaultFactor.
	Factor float64
}

// Delay returns the wait before retry number attempt (1-based). Attempts
// below 1 return zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 1 {
		factor = DefaultFactor
	}

	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.Cap > 0 && d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Schedule returns the delays for attempts 1..n.
func (p Policy) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, p.Delay(i))
	}
	return out
}
