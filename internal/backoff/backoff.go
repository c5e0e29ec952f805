// Package backoff provides retry delays and cancellation-aware sleeps
// for calls to external providers.
package backoff

import (
	"context"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// Policy describes how often and how long to retry transient failures.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default is used for provider submissions and status queries.
var Default = Policy{Attempts: 3, Base: 250 * time.Millisecond, Max: 2 * time.Second}

// Delay returns the wait before retry number attempt (starting at 1).
// It doubles from Base and is capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns a permanent error,
// or the attempts are exhausted. Only errors marked with
// apperr.Transient are retried.
func (p Policy) Retry(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := SleepOrDone(ctx, p.Delay(i)); serr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil || !apperr.IsTransient(err) {
			return err
		}
	}
	return err
}

// SleepOrDone waits for the duration or returns early on context cancellation.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
