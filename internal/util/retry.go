package util

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrPermanent wraps errors that must not be retried.
var ErrPermanent = errors.New("permanent error")

type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
}

// Retry runs fn until it succeeds, returns an error wrapping ErrPermanent,
// the attempts are exhausted or ctx is done. The last error of fn is returned.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Initial <= 0 {
		policy.Initial = 100 * time.Millisecond
	}

	var lastErr error
	attempt := 0
	backoff := wait.Backoff{
		Duration: policy.Initial,
		Factor:   2,
		Jitter:   0.1,
		Steps:    policy.Attempts,
		Cap:      30 * time.Second,
	}

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return false, lastErr
		}
		zap.S().Named("retry").Debugw("attempt failed", "operation", op, "attempt", attempt, "error", lastErr)
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
