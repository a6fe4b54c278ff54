package scheduler

import (
	"context"
	"time"

	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/resilience"
)

// RetryExecutor wraps an Executor with the engine's generic retry helper,
// so a failed attempt is retried per policy before the task is marked
// failed. The scheduler's per-task timeout wraps the whole Execute call,
// so all attempts share that one deadline; attempts get no timeout of
// their own.
type RetryExecutor struct {
	inner   Executor
	retries int
	delay   time.Duration
}

// NewRetryExecutor wraps inner so a task is tried at most attempts times,
// with exponential-jitter backoff starting at delay between tries, via
// internal/resilience.Retry.
func NewRetryExecutor(inner Executor, attempts int, delay time.Duration) *RetryExecutor {
	if attempts <= 0 {
		attempts = 1
	}
	return &RetryExecutor{inner: inner, retries: attempts, delay: delay}
}

func (r *RetryExecutor) Execute(ctx context.Context, task model.Task, prompt string) (string, error) {
	return resilience.Retry(ctx, r.retries, r.delay, func() (string, error) {
		return r.inner.Execute(ctx, task, prompt)
	})
}
