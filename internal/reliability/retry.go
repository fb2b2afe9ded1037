package reliability

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times with a fixed delay between attempts.
// It returns nil on the first success; after the last failure it returns the
// final error wrapped with the attempt count. The context cancels the wait
// between attempts, not fn itself (pass the same ctx into fn for that).
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// RetryForever runs fn repeatedly with a fixed interval between runs until the
// context is cancelled. It is meant for long-lived infrastructure legs that
// must never give up; fn's errors are reported through onError and otherwise
// swallowed.
func RetryForever(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error, onError func(error)) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := fn(ctx); err != nil && onError != nil {
			onError(err)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "server_error":
		return true
	default:
		return false
	}
}
