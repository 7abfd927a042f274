// Package retry runs an operation a bounded number of times with a backoff schedule.
package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff returns how long to wait after the given 1-based attempt failed.
type Backoff func(attempt int) time.Duration

// Linear waits base × attempt: base, 2·base, 3·base, ...
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times, passing the 1-based attempt number.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (the wrapped error is returned)
//   - ctx is cancelled while waiting
func Do(ctx context.Context, maxAttempts int, backoff Backoff, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}
