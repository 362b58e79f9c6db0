package utils

import (
	"context"
	"time"
)

// Backoff returns retryDelay * 2^(attempt-1), capped at maxDelay.
func Backoff(attempt int, retryDelay, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// beyond 2^30 the cap always wins and the shift would overflow
	if attempt > 31 {
		return maxDelay
	}
	delay := retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// SleepCtx waits for d and reports false if ctx ended first.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
