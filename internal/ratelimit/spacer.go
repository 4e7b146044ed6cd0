// Package ratelimit holds the outbound spacing gate used against public providers and the
// per-client window limiter used by the read API.
package ratelimit

import (
	"context"
	"time"
)

// Spacer is a strict minimum-spacing gate: a call starts only once interval has passed
// since the previous call through the gate finished. It has one slot and no burst allowance.
// The slot is held from the wait decision through the timestamp update, so overlapping
// callers serialize instead of both reading a stale timestamp.
type Spacer struct {
	interval time.Duration
	slot     chan struct{}
	last     time.Time // guarded by slot

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSpacer returns a gate enforcing interval between calls. The first call never waits.
func NewSpacer(interval time.Duration) *Spacer {
	return &Spacer{
		interval: interval,
		slot:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Interval returns the configured minimum spacing.
func (s *Spacer) Interval() time.Duration { return s.interval }

// Do waits for its turn, runs fn and records the end of fn as the last call, whether fn
// failed or not. Only ctx cancellation while waiting makes Do return without running fn.
func (s *Spacer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slot }()

	if !s.last.IsZero() {
		if wait := s.interval - s.now().Sub(s.last); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	err := fn(ctx)
	s.last = s.now()
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
