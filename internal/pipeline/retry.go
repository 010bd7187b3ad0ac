package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openmart/searchsync/internal/domain"
)

// RetryPolicy configures backoff for transient failures. All knobs are
// explicit configuration, not constants.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// newBackOff builds the exponential backoff for one unit of work.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	// Attempt budget is bounded by count, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts)), ctx)
}

// retry runs fn with the policy's exponential backoff. Permanent failure
// classes abort immediately; transient ones are retried until the attempt
// budget is exhausted. onRetry is invoked before each wait with the failed
// attempt number (1-based) and its error.
func (p RetryPolicy) retry(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) (attempts int, err error) {
	operation := func() error {
		attempts++
		opErr := fn(ctx)
		if opErr == nil {
			return nil
		}
		if domain.IsPermanent(opErr) || errors.Is(opErr, context.Canceled) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempts, err)
		}
	}

	err = backoff.RetryNotify(operation, p.newBackOff(ctx), notify)
	return attempts, err
}
