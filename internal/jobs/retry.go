package jobs

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is an explicit retry policy passed into the runner. Declarative
// per-job retry metadata is deliberately not supported.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Backoff returns the delay before the given attempt (1-based), exponential
// with jitter so retrying jobs do not stampede.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Initial
	if base <= 0 {
		base = 2 * time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
