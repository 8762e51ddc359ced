package util

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"gotothemoon/internal/domain"
)

// RetryPolicy bounds retries of a fallible call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when configuration leaves retries unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// Retry calls fn until it succeeds, returns an error that retryable rejects,
// or MaxAttempts calls have been made. Delays between attempts grow
// exponentially from InitialBackoff up to MaxBackoff. fn receives the 1-based
// attempt number. When every attempt failed with a retryable error the
// returned error wraps both domain.ErrRetriesExhausted and the last failure.
func Retry[T any](ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && retryable(err)
		}).
		WithMaxRetries(p.MaxAttempts - 1)
	if p.InitialBackoff > 0 {
		maxBackoff := p.MaxBackoff
		if maxBackoff < p.InitialBackoff {
			maxBackoff = p.InitialBackoff
		}
		builder = builder.WithBackoff(p.InitialBackoff, maxBackoff)
	}

	var (
		attempts int
		lastErr  error
	)
	result, err := failsafe.With[T](builder.Build()).
		WithContext(ctx).
		GetWithExecution(func(_ failsafe.Execution[T]) (T, error) {
			attempts++
			r, err := fn(attempts)
			lastErr = err
			return r, err
		})
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if lastErr != nil && retryable(lastErr) {
		return zero, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempts, lastErr)
	}
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, err
}

// Do is Retry for calls that only return an error.
func Do(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(attempt int) error) error {
	_, err := Retry(ctx, p, retryable, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}
