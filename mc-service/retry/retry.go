// Package retry provides bounded retrying of fallible operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFailedPermanently is an error raised by Do when the
// underlying Operation has been retried maxAttempts times.
type ErrFailedPermanently struct {
	attempts int
	LastErr  error
}

func (e *ErrFailedPermanently) Error() string {
	return fmt.Sprintf("operation failed permanently after %d attempts: %v", e.attempts, e.LastErr)
}

func (e *ErrFailedPermanently) Unwrap() error {
	return e.LastErr
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Do aborts immediately instead of retrying.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Strategy determines the delay between retry attempts.
type Strategy interface {
	// Duration returns how long to wait for a given retry attempt.
	Duration(attempt int) time.Duration
}

// FixedStrategy waits a constant duration between attempts.
type FixedStrategy struct {
	Dur time.Duration
}

func (s *FixedStrategy) Duration(attempt int) time.Duration {
	return s.Dur
}

// Fixed creates a FixedStrategy that waits the given duration between attempts.
func Fixed(dur time.Duration) Strategy {
	return &FixedStrategy{Dur: dur}
}

// Do0 is similar to Do but can be used when the op doesn't return a value.
func Do0(ctx context.Context, maxAttempts int, strategy Strategy, op func() error) error {
	f := func() (any, error) {
		return nil, op()
	}
	_, err := Do(ctx, maxAttempts, strategy, f)
	return err
}

// Do performs the provided Operation up to maxAttempts times
// with delays in between each retry according to the provided Strategy.
// An error wrapped by Permanent aborts the attempts.
func Do[T any](ctx context.Context, maxAttempts int, strategy Strategy, op func() (T, error)) (T, error) {
	var empty, ret T
	var err error
	if maxAttempts < 1 {
		return empty, fmt.Errorf("need at least 1 attempt to run op, but have %d max attempts", maxAttempts)
	}

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return empty, ctx.Err()
		}
		ret, err = op()
		if err == nil {
			return ret, nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return empty, pe.err
		}
		if i != maxAttempts-1 {
			timer := time.NewTimer(strategy.Duration(i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return empty, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return empty, &ErrFailedPermanently{
		attempts: maxAttempts,
		LastErr:  err,
	}
}
