package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the largest random fraction added to the exponential delay,
	// within [0,1]. Jitter is applied before the cap, so delays never
	// decrease from one attempt to the next.
	Jitter float64

	random func() float64
}

// NewRetryPolicy builds a policy, filling zero fields with defaults.
func NewRetryPolicy(base, maxDelay time.Duration, jitter float64) RetryPolicy {
	return RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Jitter: jitter}.withDefaults()
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.BaseDelay < 0 {
		r.BaseDelay = 0
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Minute
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	if r.Jitter < 0 {
		r.Jitter = 0
	}
	if r.Jitter > 1 {
		r.Jitter = 1
	}
	if r.random == nil {
		r.random = rand.Float64
	}
	return r
}

// Backoff returns min(base * 2^attempts, max) without jitter.
func (r RetryPolicy) Backoff(attempts int) time.Duration {
	r = r.withDefaults()
	return r.capped(r.exponential(attempts))
}

// NextDelay returns the jittered delay to wait after the given number of
// failed attempts (1-based).
func (r RetryPolicy) NextDelay(attempts int) time.Duration {
	r = r.withDefaults()
	d := r.exponential(attempts)
	if r.Jitter > 0 {
		d += d * r.Jitter * r.random()
	}
	return r.capped(d)
}

func (r RetryPolicy) exponential(attempts int) float64 {
	if attempts < 1 {
		attempts = 1
	}
	return float64(r.BaseDelay) * math.Pow(2, float64(attempts))
}

func (r RetryPolicy) capped(d float64) time.Duration {
	if d >= float64(r.MaxDelay) || math.IsInf(d, 1) {
		return r.MaxDelay
	}
	return time.Duration(d)
}
