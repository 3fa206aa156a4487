package mcp

import (
	"context"
	"fmt"
	"time"
)

// Retry runs op up to attempts times with exponential backoff between
// failures, starting at baseDelay and doubling per attempt. It returns the
// first success, or the last failure once attempts are exhausted. Context
// cancellation aborts the wait between attempts.
func Retry[T any](ctx context.Context, attempts int, baseDelay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := baseDelay * (1 << (i - 1))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
