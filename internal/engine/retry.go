package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// IsRetryableError classifies whether a failed execution is worth retrying.
// Definition errors (validation, missing workflow, cycles) are not; store
// errors, timeouts and interrupted runs are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// An interrupted run (shutdown) is retried by the next process.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *schema.AutoflowError
	if errors.As(err, &ae) {
		return ae.IsRetryable()
	}
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Supports none, constant, linear, and exponential backoff with optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base < 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// 2^attempt * base, stopping before overflow.
		delay = base
		for i := 0; i < attempt && delay < time.Duration(1<<62); i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether a FAILED execution on its attempt-th run
// (1-based) gets another attempt under policy.
func ShouldRetry(policy *schema.RetryPolicy, attempt int, cause error) bool {
	if policy == nil || policy.MaxAttempts <= 1 {
		return false
	}
	return attempt < policy.MaxAttempts && IsRetryableError(cause)
}
