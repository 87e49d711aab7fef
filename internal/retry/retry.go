// Package retry provides exponential backoff with jitter for delivering
// health alerts through unreliable webhook transports.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures a retry loop's attempt count and backoff shape.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultPolicy mirrors the bus's default alert-delivery retry behavior:
// up to 3 attempts, waiting 1s and then 2s between them (plus up to 25%
// jitter, each delay capped at 10s).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.25,
	}
}

// Do retries fn according to p, respecting context cancellation. It returns
// the last error if every attempt fails.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPolicy().MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt < maxAttempts-1 {
			delay := p.backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

// backoff calculates the delay for the given attempt (0-indexed) with jitter.
func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy().BaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy().MaxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * base
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * p.JitterFraction * rand.Float64())
	return delay + jitter
}

// Do retries fn up to maxAttempts times using DefaultPolicy's backoff shape.
// Kept for call sites that don't need a custom Policy.
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	p := DefaultPolicy()
	p.MaxAttempts = maxAttempts
	return p.Do(ctx, fn)
}
