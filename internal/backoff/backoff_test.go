package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

func TestDelay(t *testing.T) {
	t.Parallel()

	p := Policy{Attempts: 5, Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{name: "zero", attempt: 0, expected: 0},
		{name: "first", attempt: 1, expected: 10 * time.Millisecond},
		{name: "second", attempt: 2, expected: 20 * time.Millisecond},
		{name: "third", attempt: 3, expected: 40 * time.Millisecond},
		{name: "capped", attempt: 4, expected: 50 * time.Millisecond},
		{name: "far", attempt: 40, expected: 50 * time.Millisecond},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := p.Delay(tt.attempt); got != tt.expected {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	p := Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}
	errFlaky := errors.New("flaky")

	tests := []struct {
		name      string
		failures  int
		transient bool
		wantCalls int
		wantErr   bool
	}{
		{name: "first_try", failures: 0, wantCalls: 1},
		{name: "recovers", failures: 2, transient: true, wantCalls: 3},
		{name: "exhausted", failures: 5, transient: true, wantCalls: 3, wantErr: true},
		{name: "permanent", failures: 5, transient: false, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := p.Retry(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					if tt.transient {
						return apperr.Transient(errFlaky)
					}
					return errFlaky
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if tt.wantErr && !errors.Is(err, errFlaky) {
				t.Fatalf("expected %v, got %v", errFlaky, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSleepOrDoneCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := SleepOrDone(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := SleepOrDone(ctx, 0); err != nil {
		t.Fatalf("expected nil for zero duration, got %v", err)
	}
}
