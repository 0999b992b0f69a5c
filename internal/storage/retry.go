package storage

import (
	"context"
	"errors"
	"time"
)

// 写重试参数：3 次尝试，200ms 起步指数退避，单次 15s 超时
// Write retry parameters: 3 attempts, 200ms base with doubling backoff,
// 15s hard timeout per attempt.
const (
	retryAttempts     = 3
	retryBaseDelay    = 200 * time.Millisecond
	perAttemptTimeout = 15 * time.Second
	allocScanTimeout  = 5 * time.Second
	urlIDProbeLimit   = 10000
)

// withRetry 以显式循环执行 op，避免闭包递归带来的栈深度问题
// withRetry runs op in an explicit bounded loop with computed backoff.
// Validation and conflict errors are terminal; only transient failures
// (lock contention, timeouts) are retried.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
