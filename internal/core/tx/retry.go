package tx

import (
	"context"
	"time"

	"stockledger/internal/core/apperror"
)

// RetryPolicy bounds how often a transaction is re-run after losing a
// concurrent-modification race.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff is multiplied by the attempt number before each retry.
	Backoff time.Duration
}

// DefaultRetryPolicy is used by ledger services unless overridden.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 20 * time.Millisecond}
}

// RunWithRetry runs fn in a transaction and re-runs the whole transaction
// when it fails with CONCURRENT_MODIFICATION. Any other error is returned
// immediately. After the last attempt the conflict error is returned with
// the attempt count attached.
func RunWithRetry(ctx context.Context, m Manager, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = m.RunInTransaction(ctx, fn)
		if err == nil || !apperror.IsConcurrentModification(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff * time.Duration(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if appErr, ok := apperror.AsAppError(err); ok {
		appErr.WithDetail("attempts", attempts)
	}
	return err
}
