// Package util provides small shared helpers.
package util

import (
	"context"
	"time"
)

// SleepWithContext sleeps for d unless ctx is cancelled first. Returns false
// when the sleep was cut short.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Retry runs fn until it succeeds or maxRetries additional attempts have been
// spent, waiting delay between attempts.
func Retry(ctx context.Context, maxRetries int, delay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			if !SleepWithContext(ctx, delay) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// RetryWithBackoff is Retry with the delay doubling after each failed
// attempt, capped at maxDelay.
func RetryWithBackoff(ctx context.Context, maxRetries int, initialDelay, maxDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			if !SleepWithContext(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return lastErr
}
