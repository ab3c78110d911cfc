package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

// DefaultTransientRetries bounds internal retries of TransientStoreError.
const DefaultTransientRetries = 3

func newBackOff(ctx context.Context, retries uint64) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// retryTransient runs op until it succeeds, fails with a non-transient error, or the
// retry budget is spent. attempt is 1 on the first call.
func retryTransient(ctx context.Context, retries uint64, operation string, op func(attempt int) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.TransientRetries.WithLabelValues(operation).Inc()
		}
		err := op(attempt)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(ctx, retries))
}
