// Package retry wraps upstream calls with exponential backoff. Retryable
// failures are upstream 5xx, upstream 429, timeouts and transport errors;
// everything else surfaces immediately.
package retry

import (
	"context"
	"log"
	"time"

	"github.com/planware/syncd/server/apperr"
)

// Options controls the backoff schedule.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// DefaultOptions matches the write pipeline's budget: 3 attempts with
// 1s/2s/4s spacing.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, InitialDelay: time.Second}
}

// Do runs fn up to opts.MaxAttempts times. The delay before attempt n+1 is
// InitialDelay * 2^(n-1). The last error is returned unwrapped so callers
// keep the original kind. name only feeds the retry log line.
func Do[T any](ctx context.Context, name string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !apperr.Retryable(err) || attempt == opts.MaxAttempts {
			return zero, err
		}

		delay := opts.InitialDelay << (attempt - 1)
		log.Printf("retry: %s attempt %d/%d failed (%v), next in %v", name, attempt, opts.MaxAttempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, apperr.Wrap(apperr.KindTimeout, name+" retry interrupted", ctx.Err())
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Backoff returns the delay applied before re-enqueueing a sync queue item
// after its nth failed attempt (1-based): 2^(n-1) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << (attempt - 1)
}
