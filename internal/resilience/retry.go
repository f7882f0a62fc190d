// Package resilience contains the retry policy engine and the per-target
// circuit breakers used for every outbound vendor call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors, distinguishable via errors.Is at every call site.
var (
	// ErrBreakerOpen is returned without invoking the wrapped operation
	// while a breaker is open (or a half-open trial is already in flight).
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout is returned when the wrapped operation did not
	// complete within the per-call timeout. Callers must be able to tell
	// "service is down" (ErrBreakerOpen) from "service is slow" (this).
	ErrCallTimeout = errors.New("call timed out")
)

// StatusError carries a non-2xx HTTP status through the retry predicate.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// Policy controls how Do retries a failing operation.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// IsRetryable classifies a failure. nil means RetryTransient.
	IsRetryable func(error) bool
	// OnRetry is a logging hook invoked before each backoff sleep.
	// It must not alter control flow.
	OnRetry func(err error, attempt int)
}

// FastPolicy is used for connectivity tests, which are latency-sensitive
// to the caller: few attempts, short delays.
func FastPolicy() Policy {
	return Policy{
		MaxRetries: 1,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   1 * time.Second,
	}
}

// StandardPolicy is used for full data syncs, which tolerate more latency
// in exchange for reliability.
func StandardPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// RetryTransient is the default retry predicate for vendor HTTP calls:
// retry on network-level failures, timeouts and 5xx responses. Never retry
// 4xx (the config or credential is wrong, retrying cannot help), breaker
// rejections or explicit cancellation.
func RetryTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	// Timeouts and transport-level failures are transient.
	return true
}

// Do executes op with bounded retries and jittered exponential backoff.
// The terminal error of the last attempt is propagated unchanged.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	isRetryable := policy.IsRetryable
	if isRetryable == nil {
		isRetryable = RetryTransient
	}

	var result T
	var err error
	for attempt := 0; ; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !isRetryable(err) {
			return result, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1)
		}
		delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay)
		zap.S().Debugf("Retrying in %s (attempt %d/%d): %s", delay, attempt+1, policy.MaxRetries, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

// backoffDelay computes min(base * 2^attempt, max) with up to 25% of the
// delay randomized to avoid retry storms against a recovering vendor.
func backoffDelay(attempt int, base time.Duration, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	// Cap the shift so the multiplication cannot overflow.
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	jitter := delay / 4
	if jitter > 0 {
		delay = delay - jitter + time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
