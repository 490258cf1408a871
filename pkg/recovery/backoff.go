// Package recovery implements the dead-letter retry orchestrator. Failed
// executions land in the dead-letter store; a timer-driven cycle purges
// expired entries, retries eligible ones with exponential backoff and
// jitter, and leaves exhausted ones for human review.
package recovery

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls retry spacing.
type BackoffPolicy struct {
	BaseDelay    time.Duration // default 10s
	Multiplier   float64       // default 2
	JitterFactor float64       // default 0.15; negative disables jitter
	MaxAttempts  int           // default 5
}

// DefaultBackoffPolicy returns the production defaults: roughly
// 10s, 20s, 40s, 80s, 160s before jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:    10 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.15,
		MaxAttempts:  5,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	// A negative factor means "jitter disabled" and must survive repeated
	// normalization; Delay clamps it to zero at the point of use.
	if p.JitterFactor == 0 {
		p.JitterFactor = d.JitterFactor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay computes the backoff delay for the given attempt count. Jitter is
// a uniform perturbation in [-jitterFactor, +jitterFactor] of the base
// value, clamped to be non-negative, so synchronized retry storms spread
// out.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if jitter := p.JitterFactor; jitter > 0 {
		delay += delay * jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
