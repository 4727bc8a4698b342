// Package retry re-attempts a fallible operation with exponential backoff.
//
// The executor is protocol-agnostic: callers supply a Classifier that decides
// whether a failure is worth another attempt. Operations must be safe to
// repeat; the executor does not make them so.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class tells the executor whether a failure can be retried.
type Class int

const (
	// Transient failures may succeed on another attempt.
	Transient Class = iota
	// Permanent failures abort immediately.
	Permanent
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier maps an operation error to a Class.
type Classifier func(error) Class

// Attempt describes one failed attempt. It only lives for the duration of a
// single Run.
type Attempt struct {
	Number     int           // 1-based attempt that just failed
	Delay      time.Duration // backoff before the next attempt
	TotalDelay time.Duration // backoff accumulated so far, including Delay
	Err        error
	Op         string
}

// Executor holds the retry budget.
type Executor struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff. Optional.
	OnRetry func(Attempt)
}

// Backoff returns the delay before retry number index (0-based):
// BaseDelay * 2^index.
func (e Executor) Backoff(index int) time.Duration {
	if index < 0 {
		index = 0
	}
	// Cap the shift so the multiplication cannot overflow.
	if index > 30 {
		index = 30
	}
	return e.BaseDelay * time.Duration(1<<uint(index))
}

// Run executes fn until it succeeds, fails permanently, exhausts the retry
// budget, or ctx is done. The last operation error is returned unchanged so
// callers can inspect its classification.
func Run[T any](ctx context.Context, ex Executor, op string, fn func(context.Context) (T, error), classify Classifier) (T, error) {
	var zero T
	if classify == nil {
		classify = func(error) Class { return Transient }
	}
	sleep := ex.Sleep
	if sleep == nil {
		sleep = timerSleep
	}
	maxRetries := ex.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	var total time.Duration

	for i := 0; i <= maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(lastErr, err)
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if classify(err) == Permanent {
			return zero, err
		}

		// Don't sleep after the last attempt
		if i == maxRetries {
			break
		}

		delay := ex.Backoff(i)
		total += delay
		if ex.OnRetry != nil {
			ex.OnRetry(Attempt{
				Number:     i + 1,
				Delay:      delay,
				TotalDelay: total,
				Err:        err,
				Op:         op,
			})
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(lastErr, fmt.Errorf("%s: backoff before attempt %d: %w", op, i+2, err))
		}
	}

	return zero, lastErr
}

// timerSleep waits for d with context cancellation support.
func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
