// Package retry waits for eventually-consistent external state, polling a
// bounded number of times with a fixed interval. It is not an error-retry
// mechanism: a step that fails propagates immediately, and completion is
// signalled only through the explicit done callback, never inferred from a
// clean return.
package retry

import (
	"context"
	"errors"
	"time"
)

var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

const (
	DefaultAttempts = 10
	DefaultInterval = 5 * time.Second
)

// Step is one polling attempt. Calling done marks the attempt's value as the
// final result; without it the attempt's value is discarded and the poll
// repeats after the interval.
type Step[T any] func(ctx context.Context, done func()) (T, error)

// WithRetries runs step up to attempts times, waiting interval between
// attempts. Non-positive attempts or interval fall back to the defaults.
func WithRetries[T any](ctx context.Context, attempts int, interval time.Duration, step Step[T]) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		finished := false
		value, err := step(ctx, func() { finished = true })
		if err != nil {
			return zero, err
		}
		if finished {
			return value, nil
		}
	}
	return zero, ErrMaxRetriesExceeded
}
