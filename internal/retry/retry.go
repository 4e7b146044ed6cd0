// Package retry runs an operation a bounded number of times with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetriesExceeded is returned once every attempt has failed. The last cause is
// kept in the message only, so callers can tell "never worked" apart from the cause itself.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy bounds a retried operation. The delay before attempt n (n >= 2) is
// BaseDelay * 2^(n-2): no delay before the first attempt, then BaseDelay, 2*BaseDelay, ...
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnRetry is called after each failed attempt that will be retried, before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before the given 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return p.BaseDelay << (attempt - 2)
}

// Do runs op until it succeeds or MaxAttempts is reached. A cancelled ctx stops the
// loop with ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, err
			}
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < attempts && p.OnRetry != nil {
			p.OnRetry(attempt, p.Delay(attempt+1), err)
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, attempts, lastErr)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
