// Package backoff provides exponential backoff with jitter for retrying
// transient failures, used by the provider adapters and the step processor.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the exponential growth multiplier between attempts.
	Factor float64

	// Jitter, in [0, 1], is the fraction of the computed delay randomized
	// away. 0.2 means the final delay lands in [0.8d, d].
	Jitter float64
}

// DefaultPolicy matches the provider defaults: 500ms initial, 30s cap,
// doubling with 20% jitter.
var DefaultPolicy = Policy{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2.0,
	Jitter:  0.2,
}

// Delay returns the backoff duration for a zero-based attempt number.
// Attempt 0 is the delay before the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64)
}

func (p Policy) delayWithRand(attempt int, randFloat func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultPolicy.Initial
	}
	max := p.Max
	if max <= 0 {
		max = DefaultPolicy.Max
	}
	factor := p.Factor
	if factor < 1 {
		factor = DefaultPolicy.Factor
	}

	d := float64(initial) * math.Pow(factor, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		d -= d * jitter * randFloat()
	}
	return time.Duration(d)
}
