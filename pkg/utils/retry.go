package utils

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy bounds a retried call. It is shared by the receipt verifier and the
// award orchestrator's store retries.
type RetryPolicy struct {
	Attempts    uint
	Delay       time.Duration
	MaxDelay    time.Duration
	Exponential bool
}

// RetryWithPolicy runs call until it succeeds, retryIf rejects the error, attempts are
// exhausted, or ctx is done. The last error (or ctx.Err()) is returned.
func RetryWithPolicy[T any](
	ctx context.Context,
	policy RetryPolicy,
	call func(ctx context.Context) (T, error),
	retryIf func(err error) bool,
	onRetry func(attempt uint, err error),
) (T, error) {
	attempts := policy.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delayType := retry.FixedDelay
	if policy.Exponential {
		delayType = retry.BackOffDelay
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(policy.Delay),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
	}
	if policy.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(policy.MaxDelay))
	}
	if retryIf != nil {
		opts = append(opts, retry.RetryIf(retryIf))
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}

	return retry.DoWithData(func() (T, error) {
		return call(ctx)
	}, opts...)
}
