package core

import (
	"context"
	"time"
)

const maxRetryDelay = 5 * time.Second

// Retry calls fn up to attempts times, backing off exponentially from base
// between tries. It stops early when fn succeeds, returns a non-retryable
// error, or ctx is done. The last error is returned.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryDelay(base, attempt)):
		}
	}
	return err
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << attempt
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
