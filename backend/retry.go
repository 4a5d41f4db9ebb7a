package backend

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior for idempotent model calls.
type RetryPolicy struct {
	MaxAttempts int     // total attempts including the first
	BaseDelay   float64 // initial delay in seconds
	MaxDelay    float64 // ceiling on the delay between attempts
	Multiplier  float64 // exponential backoff factor
	Jitter      bool
}

// DefaultRetryPolicy returns the default policy: up to three attempts
// with exponential backoff from a one second base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1.0,
		MaxDelay:    30.0,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay computes the backoff before retry n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.Multiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry executes fn under the policy. Only retryable errors are retried;
// cancellation aborts immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, &AbortError{SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-time.After(policy.Delay(attempt - 1)):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
