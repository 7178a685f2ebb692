package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base, capped at
// Max, with full jitter applied to each delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1). Nil means math/rand.
	Rand func() float64
}

// DefaultBackoff returns a 1s base and 30s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 1 * time.Second,
		Max:  30 * time.Second,
	}
}

// Ceiling returns the upper bound of the delay before reconnect attempt n
// (zero-based). It never decreases as n grows and never exceeds Max.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	max := b.Max
	if max <= 0 {
		max = b.Base
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Delay returns a jittered delay in [0, Ceiling(attempt)).
func (b Backoff) Delay(attempt int) time.Duration {
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.Ceiling(attempt)))
}
