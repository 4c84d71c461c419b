// Package backoff computes retry schedules for webhook redelivery. Unlike
// a retry loop, delivery retries are not waited out in-process: the delay
// is stamped into the job's not_before and the job re-enters the stream.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays with uniform jitter.
// delay(attempt) = min(cap, base * multiplier^(attempt-1)) * (1 ± jitter),
// floored at base.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultPolicy returns the delivery retry schedule: base 1s, cap 60s,
// doubling, ±25% jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		Base:       1 * time.Second,
		Cap:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// Delay returns the wait before the given attempt is retried. attempt is
// 1-indexed: Delay(1) schedules the second attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}

	// Uniform jitter in [1-j, 1+j]
	factor := 1 + p.Jitter*(rand.Float64()*2-1)
	delay *= factor

	if delay < float64(p.Base) {
		delay = float64(p.Base)
	}
	return time.Duration(delay)
}

// FullJitterDelay returns a reconnect delay in [0, min(cap, base*2^attempt)].
// Used by the ingestor's reconnect controller; full jitter spreads
// reconnect storms after a provider outage.
func FullJitterDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	ceiling := float64(base) * math.Pow(2, float64(attempt))
	if ceiling > float64(cap) {
		ceiling = float64(cap)
	}
	return time.Duration(rand.Float64() * ceiling)
}
