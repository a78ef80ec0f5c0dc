// Package retry implements capped exponential backoff for operations the
// engine repeats on failure, such as repository writes and transport
// backfills.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes how often and how quickly a failing operation is
// retried.
type Policy struct {
	// MaxAttempts caps the total number of attempts, the first included.
	// Must be at least 1.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the wait between retries. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier grows the wait after every retry, so 2.0 doubles it.
	Multiplier float64

	// Jitter spreads each wait by up to the given fraction in either
	// direction, so 0.2 varies it by as much as 20%.
	Jitter float64
}

// Default returns the policy used for repository persistence: 5 attempts,
// 100ms initial delay, 5 second cap, 2x multiplier, 20% jitter. The cap is
// short because a slow repository must degrade to latency, not stall
// ingestion behind long sleeps.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetry returns a single-attempt policy.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts:  1,
		InitialDelay: 0,
		MaxDelay:     0,
		Multiplier:   1.0,
		Jitter:       0,
	}
}

// NextDelay returns how long to wait after the given failed attempt,
// counted from 1. Non-positive attempts yield no delay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		// Scale into [1-Jitter, 1+Jitter].
		delay = time.Duration(float64(delay) * (1 - p.Jitter + 2*p.Jitter*rand.Float64()))
	}
	return delay
}

// ShouldRetry reports whether the attempt that just failed, counted from 1,
// leaves budget for another.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Wait sleeps for the attempt's delay or until the context is cancelled,
// returning ctx.Err in the latter case.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	delay := p.NextDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
