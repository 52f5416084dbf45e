// Package retry re-runs idempotent reads that failed on storage.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"workpulse/internal/apperr"
)

// DefaultWait is the pause before the single retry.
const DefaultWait = 100 * time.Millisecond

// Read runs fn and, when it fails with a storage error, runs it once more
// after wait. Any other error is returned at once. Never use it for
// mutations.
func Read[T any](ctx context.Context, wait time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !apperr.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}
