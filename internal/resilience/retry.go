// Package resilience provides the retry, circuit-breaking, and rate-limiting
// primitives shared by the embedding service, task scheduler, and HTTP adapter.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter, growing from delay
// and capping at 60s. Attempts are exhausted after the configured count.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskengine")
	attemptCounter, _ := meter.Int64Counter("engine_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("engine_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("engine_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// RetryBackoff executes fn using cenkalti/backoff's exponential policy, retrying
// only while shouldRetry(err) reports true, so a caller can distinguish
// transient from permanent errors; Retry above treats every non-nil error as
// retryable. No component of the engine calls it.
func RetryBackoff(ctx context.Context, maxElapsed time.Duration, shouldRetry func(error) bool, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}
