package executor

import (
	"context"
	"time"

	"dfm/pkg/apperror"
)

// retry runs fn up to maxAttempts times, sleeping backoff*attempt between
// tries (linear backoff), stopping early on the first non-retryable error
// or success. It implements the transient-failure half of spec.md §4.3's
// failure semantics table: only kinds apperror.Retryable reports true for
// are retried at all.
func retry(ctx context.Context, maxAttempts int, backoff time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperror.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
