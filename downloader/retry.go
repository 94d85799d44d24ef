package downloader

import (
	"context"
	"math/rand/v2"
	"time"

	"reelfetch/internal"
)

// RetryPolicy controls how Retry repeats an operation
type RetryPolicy struct {
	// MaxAttempts counts the first call; values below 1 mean a single attempt
	MaxAttempts int
	// Unit scales the backoff: after failed attempt k the wait is drawn from [k*Unit, 2k*Unit]
	Unit time.Duration
	// Classify reports whether an error is worth another attempt
	Classify func(error) bool
	// Sleep waits for d or until ctx ends; tests swap it for a recorder
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, 1)
	Jitter func() float64
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns a policy of 3 attempts with a one second unit
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Unit:        time.Second,
		Classify:    internal.IsRetryable,
		Sleep:       sleepContext,
		Jitter:      rand.Float64,
	}
}

// Backoff returns the wait after failed attempt k (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}
	base := time.Duration(attempt) * p.Unit
	return base + time.Duration(jitter()*float64(base))
}

// Retry runs op until it succeeds, fails fatally, or exhausts the policy.
// Fatal errors come back unchanged after one attempt; the last retryable error
// after the final attempt comes back wrapped as RetriesExhausted. Cancellation
// of ctx stops the loop and returns ctx.Err().
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := policy.Classify
	if classify == nil {
		classify = internal.IsRetryable
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}

		// an op interrupted by our own cancellation is not an upstream failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		if !classify(err) {
			return zero, err
		}

		if attempt >= maxAttempts {
			return zero, internal.NewRetriesExhaustedError(attempt, err)
		}

		delay := policy.Backoff(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// sleepContext waits for d, returning early with ctx.Err() on cancellation
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
