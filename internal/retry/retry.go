// Package retry wraps store calls in bounded exponential backoff with
// full jitter. Only errors marked retryable by the caller's predicate are
// retried; validation and integrity failures surface immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	"fractalmem/internal/memtypes"
)

// Policy controls the backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to memtypes.Retryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the store policy: 3 attempts, 100ms base, doubled
// per attempt, capped at 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do runs fn under the default policy.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return DefaultPolicy().Do(ctx, fn)
}

// Do runs fn until it succeeds, exhausts attempts, returns a
// non-retryable error, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = memtypes.Retryable
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// delay returns the jittered backoff before the given attempt (1-based
// for the first retry). Full jitter: uniform in [0, base×2^(n-1)], capped.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
