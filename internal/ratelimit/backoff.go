package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Backoff tracks an exponential retry delay for one source. The delay stays
// within [base, max]; every failure multiplies it by the configured factor,
// any success resets it to base.
type Backoff struct {
	mu           sync.Mutex
	base         time.Duration
	max          time.Duration
	multiplier   float64
	currentDelay time.Duration
	failures     int
}

// NewBackoff creates a tracker starting at base delay.
func NewBackoff(base, max time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		base:         base,
		max:          max,
		multiplier:   multiplier,
		currentDelay: base,
	}
}

// RecordFailure records a failure and returns the delay to wait before the
// next attempt. The delay returned is the one in effect before the failure
// grows it.
func (b *Backoff) RecordFailure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.currentDelay
	b.failures++
	next := time.Duration(float64(b.currentDelay) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.currentDelay = next
	return delay
}

// RecordSuccess resets the delay to base and clears the failure count.
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentDelay = b.base
	b.failures = 0
}

// ConsecutiveFailures returns the failure count since the last success.
func (b *Backoff) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Delay returns the current delay without recording anything.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentDelay
}

// Sleep records a failure and waits out the resulting delay, returning early
// with ctx.Err() if the context finishes first.
func (b *Backoff) Sleep(ctx context.Context) error {
	delay := b.RecordFailure()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
