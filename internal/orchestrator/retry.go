package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/relgrid/relgrid/internal/ctxlog"
)

// RetryPolicy bounds retries for network-bound stages (fetch, publish) with
// exponential backoff.
type RetryPolicy struct {
	// Attempts is the total number of tries. Values below 1 mean a single
	// attempt, no retry.
	Attempts int

	// BaseDelay is the wait after the first failure; it doubles per attempt
	// up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is the policy applied when the caller does not set one.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// Do runs fn until it succeeds, attempts are exhausted, or the context ends.
// A stage that exhausts retries surfaces the last error; it is never treated
// as success.
func (p RetryPolicy) Do(ctx context.Context, what string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		ctxlog.FromContext(ctx).Warn("Transient failure, backing off.",
			"action", what, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, attempts, lastErr)
}
