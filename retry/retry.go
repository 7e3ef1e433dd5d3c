// Package retry implements the retry envelope (spec component C3): a
// stateless, re-entrant wrapper that retries a fetch on Retryable/Timeout
// errors with exponential back-off, and re-raises immediately on
// NonRetryable/Generic/Parsing errors.
package retry

import (
	"context"
	"time"

	"github.com/lucaromagnoli/dataservice/dserrors"
	"github.com/lucaromagnoli/dataservice/dsconfig"
)

// FetchFunc performs one attempt. It is whatever the caller needs it to be
// (a bare Fetcher call, or a Fetcher wrapped by a cache lookup); Wrap does
// not care.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Wrap returns a FetchFunc that retries fn per cfg: attempts 2..MaxAttempts
// are delayed by min(WaitExpMax, WaitExpMul*2^(n-2)) clamped below by
// WaitExpMin, retried only while the error classifies as Retryable or
// Timeout. The last error is returned unwrapped after MaxAttempts.
//
// Wrap is stateless and safe to call concurrently for different requests;
// nothing about a single call's state is retained between Wrap invocations.
func Wrap[T any](cfg dsconfig.RetryConfig, fn FetchFunc[T]) FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		var (
			result T
			err    error
		)
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = 1
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 {
				delay := backoffDelay(cfg, attempt)
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return result, ctx.Err()
				case <-timer.C:
				}
			}

			result, err = fn(ctx)
			if err == nil {
				return result, nil
			}
			if !dserrors.IsRetryable(err) {
				return result, err
			}
		}
		return result, err
	}
}

// backoffDelay computes the delay before the n-th attempt (n >= 2), per
// spec.md §4.3: min(wait_exp_max, wait_exp_mul * 2^(n-2)) clamped below by
// wait_exp_min.
func backoffDelay(cfg dsconfig.RetryConfig, attempt int) time.Duration {
	exp := 1 << uint(attempt-2) // 2^(n-2), n>=2 so exponent >= 0
	delay := cfg.WaitExpMul * time.Duration(exp)
	if delay > cfg.WaitExpMax {
		delay = cfg.WaitExpMax
	}
	if delay < cfg.WaitExpMin {
		delay = cfg.WaitExpMin
	}
	return delay
}
