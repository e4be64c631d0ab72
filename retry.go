package opticoll

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries. An error for which
// ShouldRetry reports true is retried; any other error ends the loop at once.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
// Used by the demonstration CLI to retry a failing mutationFn; the transaction manager
// itself never retries a rejected mutationFn automatically (rollback is the sole
// response to a mutationFn failure, per the engine's error-handling contract).
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	attempt := func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), attempt); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil and not a context
// cancellation/deadline, which are permanent from the caller's point of view).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
