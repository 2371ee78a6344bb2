package llm

import (
	"context"
	"time"
)

// retrier provides the linear-backoff retry wrapper shared by both
// backend adapters, grounded on the teacher's BaseProvider.Retry.
type retrier struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	return retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// run invokes op up to maxRetries+1 times, sleeping attempt*retryDelay
// between attempts, stopping early if isRetryable(err) is false or ctx is
// cancelled.
func (r retrier) run(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt > r.maxRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.retryDelay):
		}
	}
	return lastErr
}
