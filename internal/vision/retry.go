package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy controls the bounded retry around model calls. Only transient
// failures (ErrModelUnavailable) are retried; input errors and content-policy
// rejections surface immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Timeout is the per-attempt deadline.
	Timeout time.Duration
	// BaseBackoff is the wait before the second attempt; it doubles for
	// each attempt after that.
	BaseBackoff time.Duration
}

// DefaultRetryPolicy matches the default pipeline behavior: one bounded
// retry on transient failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Timeout:     60 * time.Second,
		BaseBackoff: 500 * time.Millisecond,
	}
}

// RetryingModel wraps a Model with per-attempt timeouts and bounded
// exponential backoff.
type RetryingModel struct {
	inner  Model
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingModel creates a RetryingModel around inner.
func NewRetryingModel(inner Model, policy RetryPolicy) *RetryingModel {
	return NewRetryingModelWithDeps(inner, policy, sleepContext)
}

// NewRetryingModelWithDeps creates a RetryingModel with a custom sleep
// function for testing.
func NewRetryingModelWithDeps(inner Model, policy RetryPolicy, sleep func(ctx context.Context, d time.Duration) error) *RetryingModel {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingModel{
		inner:  inner,
		policy: policy,
		sleep:  sleep,
	}
}

// Invoke calls the wrapped model, retrying transient failures up to the
// configured attempt count. Cancellation of ctx aborts both in-flight
// attempts and backoff waits.
func (r *RetryingModel) Invoke(ctx context.Context, req Request) (string, error) {
	var lastErr error
	backoff := r.policy.BaseBackoff

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			slog.Warn("Retrying model call", "attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := r.sleep(ctx, backoff); err != nil {
				return "", fmt.Errorf("model call canceled: %w", ErrModelUnavailable)
			}
			backoff *= 2
		}

		response, err := r.invokeOnce(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Only transient failures are worth retrying, and only while the
		// caller is still waiting.
		if !errors.Is(err, ErrModelUnavailable) || ctx.Err() != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

// invokeOnce runs a single attempt under the per-attempt timeout.
func (r *RetryingModel) invokeOnce(ctx context.Context, req Request) (string, error) {
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	response, err := r.inner.Invoke(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("model call timed out: %w", ErrModelUnavailable)
		}
		return "", err
	}
	return response, nil
}

// Close closes the wrapped model.
func (r *RetryingModel) Close() error {
	return r.inner.Close()
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
