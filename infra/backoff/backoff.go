// Package backoff implements bounded exponential backoff with jitter
// for retrying transient infrastructure failures.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy doubles the delay per attempt between Min and Max, then
// spreads each delay by +/-RandomFactor.
type Policy struct {
	Min          time.Duration
	Max          time.Duration
	RandomFactor float64
}

// Default matches the log/consumer boundary policy: unlimited restarts,
// 0.2 jitter.
var Default = Policy{Min: 100 * time.Millisecond, Max: 30 * time.Second, RandomFactor: 0.2}

// Delay computes the wait before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Min
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.RandomFactor > 0 {
		spread := 1 - p.RandomFactor + 2*p.RandomFactor*rand.Float64()
		d = time.Duration(float64(d) * spread)
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error
// (retryable reports false), or ctx is done. Attempts are unbounded.
func (p Policy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
}
