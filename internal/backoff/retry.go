package backoff

import (
	"context"
	"time"
)

// Sleep waits for d or until the context is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Result captures the outcome of a retried operation.
type Result[T any] struct {
	Value T

	// Attempts is the number of calls made, including the final one.
	Attempts int

	// Err is the last error when all attempts failed, nil on success.
	Err error
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. retryable decides whether an error is worth another attempt;
// a non-retryable error stops the loop immediately. Context cancellation
// during a backoff sleep surfaces as the context error.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(ctx context.Context) (T, error)) Result[T] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result[T]
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res.Attempts = attempt + 1

		value, err := fn(ctx)
		if err == nil {
			res.Value = value
			res.Err = nil
			return res
		}
		res.Err = err

		if retryable != nil && !retryable(err) {
			return res
		}
		if attempt == maxAttempts-1 {
			return res
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}
