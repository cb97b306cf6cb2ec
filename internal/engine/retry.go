package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// neverRetried lists codes that describe the definition or the execution
// rather than a task failure. They are neither retried nor routed to on_error.
var neverRetried = map[string]bool{
	schema.ErrCodeCancelled:       true,
	schema.ErrCodeNotImplemented:  true,
	schema.ErrCodeCircularSubflow: true,
	schema.ErrCodeSubflowNotFound: true,
	schema.ErrCodeValidation:      true,
}

// IsRetryableError classifies whether a failed attempt may be repeated.
// Any plain task error is retryable; the retry policy bounds the attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled is NOT retryable: the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	if fe, ok := schema.AsFlowError(err); ok {
		if neverRetried[fe.Code] {
			return false
		}
		// A reference that failed to resolve will fail the same way again.
		if fe.Code == schema.ErrCodeVariableResolution {
			return false
		}
	}
	return true
}

// IsHandleable reports whether err may be routed to an on_error list.
func IsHandleable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	fe, ok := schema.AsFlowError(err)
	return !ok || !neverRetried[fe.Code]
}

// ComputeBackoff returns the delay before attempt (1-indexed). Attempt 1
// never waits; attempt k waits DelaySeconds * BackoffMultiplier^(k-2).
// A multiplier of 0 is treated as 1.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt <= 1 || policy.DelaySeconds <= 0 {
		return 0
	}

	mult := policy.BackoffMultiplier
	if mult == 0 {
		mult = 1
	}
	secs := policy.DelaySeconds * math.Pow(mult, float64(attempt-2))
	if math.IsInf(secs, 0) || math.IsNaN(secs) || secs > maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(secs * float64(time.Second))
}

// maxBackoff caps a single wait so large multipliers cannot overflow.
const maxBackoff = 24 * time.Hour

// MaxAttempts returns the number of invocations allowed by policy.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	if policy.MaxAttempts > schema.MaxRetryAttempts {
		return schema.MaxRetryAttempts
	}
	return policy.MaxAttempts
}

// Sleeper waits for d or until ctx is done. Tests substitute a recording
// implementation to keep retry timing deterministic.
type Sleeper func(ctx context.Context, d time.Duration) error

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Sleeper = WaitForBackoff
