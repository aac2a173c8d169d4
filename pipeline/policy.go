package pipeline

import (
	"math/rand"
	"time"
)

// StagePolicy configures how the engine executes one stage.
// Zero values fall back to the engine Options.
type StagePolicy struct {
	// Timeout bounds a single attempt. If zero, Options.DefaultStageTimeout
	// is used; if that is zero too the attempt is unbounded.
	Timeout time.Duration

	// RetryPolicy enables automatic retries. Nil means one attempt.
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retries for transient stage failures.
//
// Delays grow exponentially with jitter:
//
//	delay = min(BaseDelay * 2^retry, MaxDelay) + jitter(0, BaseDelay)
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether an error is worth another attempt.
	// If nil, no error is retried.
	Retryable func(error) bool
}

// Validate checks the policy constraints:
//   - MaxAttempts must be >= 1
//   - when both are set, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// shouldRetry reports whether attempt (1-based) may be followed by another.
func (rp *RetryPolicy) shouldRetry(err error, attempt int) bool {
	if rp == nil || rp.Retryable == nil {
		return false
	}
	return attempt < rp.MaxAttempts && rp.Retryable(err)
}

// computeBackoff returns the delay before retry number retry (0-based).
//
// Example delays with base=1s, maxDelay=30s:
//   - retry 0: 1-2s
//   - retry 1: 2-3s
//   - retry 2: 4-5s
//   - retry 10: 30-31s (capped)
func computeBackoff(retry int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry > 30 {
		retry = 30
	}

	delay := base * (1 << retry)
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	}

	return delay + jitter
}
