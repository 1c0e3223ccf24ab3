package persistence

import (
	"context"
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
)

// RetryPolicy retries transient failures with exponential backoff. Fatal
// errors and unclassified errors are returned immediately.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the delay before the second try; it doubles per attempt.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the configured defaults: 3 attempts, 1s base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second}
}

// Do runs op under the policy. The last error is returned after the final
// attempt. Context cancellation aborts the backoff wait.
func (p RetryPolicy) Do(ctx context.Context, logger core.Logger, what string, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for i := 1; i <= attempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts {
			break
		}
		logger.Warnf("%s failed (attempt %d/%d), retrying in %s: %v", what, i, attempts, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
