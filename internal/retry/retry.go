// Package retry runs an operation a bounded number of times with a fixed delay.
package retry

import (
	"context"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"leverageGuard/internal/ports"
)

// Policy configures a retried operation.
type Policy struct {
	Name      string        // Name for logging
	Attempts  int           // Total attempts, including the first
	Delay     time.Duration // Fixed delay between attempts
	Retryable func(error) bool
}

// Transient retries only errors classified as transient I/O.
func Transient(name string, attempts int, delay time.Duration) Policy {
	return Policy{Name: name, Attempts: attempts, Delay: delay, Retryable: ports.IsTransient}
}

// RateLimited retries only requests the exchange refused for rate limiting.
func RateLimited(name string, attempts int, delay time.Duration) Policy {
	return Policy{Name: name, Attempts: attempts, Delay: delay, Retryable: ports.IsRateLimited}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts
// run out. A nil Retryable retries every error. attempt starts at 1.
func Do(ctx context.Context, p Policy, logger ports.Logger, fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Delay <= 0 {
		p.Delay = time.Millisecond
	}
	if p.Name == "" {
		p.Name = "retry"
	}

	backoff := goretry.WithMaxRetries(uint64(p.Attempts-1), goretry.NewConstant(p.Delay))

	attempt := 0
	var lastErr error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 && logger != nil {
				logger.Info(ctx, p.Name+": succeeded after retry", map[string]interface{}{"attempt": attempt})
			}
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if logger != nil && attempt < p.Attempts {
			logger.Warn(ctx, p.Name+": attempt failed, retrying", map[string]interface{}{
				"attempt": attempt,
				"of":      p.Attempts,
				"delay":   p.Delay.String(),
				"error":   err.Error(),
			})
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if lastErr != nil && attempt >= p.Attempts && (p.Retryable == nil || p.Retryable(lastErr)) {
		return fmt.Errorf("%s: max retry attempts (%d) exceeded: %w", p.Name, p.Attempts, lastErr)
	}
	return err
}
