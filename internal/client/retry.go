package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryPolicy is the fixed-count retry loop used for small metadata calls.
// The media relay never retries: a partially streamed response cannot be replayed.
type RetryPolicy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	Backoff           time.Duration

	// OnRetry, if set, is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts
// run out. Each attempt gets its own PerAttemptTimeout derived from ctx.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.runAttempt(ctx, fn)
		if err == nil {
			return nil
		}
		if attempt == attempts || !Retryable(err) || ctx.Err() != nil {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-timer.C:
			}
		}
	}
	return err
}

func (p RetryPolicy) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.PerAttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.PerAttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// Retryable reports whether err is worth another attempt. Transport failures
// and timeouts are; of the upstream statuses only 5xx and 429 are.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *UpstreamFetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		return fetchErr.StatusCode >= http.StatusInternalServerError ||
			fetchErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
