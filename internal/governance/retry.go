package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// BackoffMode selects how the delay grows between attempts.
type BackoffMode string

const (
	// BackoffFixed waits InitialBackoff before every retry.
	BackoffFixed BackoffMode = "fixed"
	// BackoffLinear waits InitialBackoff * n before the n-th retry.
	BackoffLinear BackoffMode = "linear"
	// BackoffExponential waits InitialBackoff * Multiplier^(n-1) before the n-th retry.
	BackoffExponential BackoffMode = "exponential"
)

// RetryConfig defines retry behavior for a unit of work.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the base delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries. Zero means uncapped.
	MaxBackoff time.Duration
	// BackoffMultiplier is the growth factor for exponential backoff.
	BackoffMultiplier float64
	// Mode selects the backoff curve. Empty means exponential.
	Mode BackoffMode
	// Jitter adds up to 25% random delay on top of the computed backoff.
	Jitter bool
	// Retryable reports whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
	// Sleep waits out a backoff. Nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Mode:              BackoffExponential,
	}
}

// RetryPolicy bundles an attempt budget, a backoff function, and a stop predicate.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff < 0 {
		config.InitialBackoff = 0
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Mode == "" {
		config.Mode = BackoffExponential
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &RetryPolicy{config: config, sleep: sleep}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with err.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > rp.config.MaxRetries {
		return false
	}
	if rp.config.Retryable != nil && !rp.config.Retryable(err) {
		return false
	}
	return true
}

// CalculateBackoff returns the delay before retry number retry (1-based).
func (rp *RetryPolicy) CalculateBackoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	base := rp.config.InitialBackoff
	var backoff time.Duration
	switch rp.config.Mode {
	case BackoffFixed:
		backoff = base
	case BackoffLinear:
		backoff = base * time.Duration(retry)
	default:
		backoff = time.Duration(float64(base) * math.Pow(rp.config.BackoffMultiplier, float64(retry-1)))
	}

	if rp.config.MaxBackoff > 0 && backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// RetryNotice describes a scheduled retry.
type RetryNotice struct {
	// Attempt is the 1-based number of the attempt about to run.
	Attempt int
	Delay   time.Duration
	Err     error
}

// Execute runs fn until it succeeds, the policy stops retrying, or ctx is done.
// fn receives the 1-based attempt number. onRetry, when non-nil, is called after
// the backoff wait and before each reattempt. The returned count is the number
// of attempts made.
//
// Errors rejected by the Retryable predicate are returned unchanged. When the
// attempt budget runs out the last error is joined with ErrMaxRetriesExceeded.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(RetryNotice)) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		if !rp.ShouldRetry(err, attempt) {
			if attempt > 1 && (rp.config.Retryable == nil || rp.config.Retryable(err)) {
				return attempt, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
			}
			return attempt, err
		}

		delay := rp.CalculateBackoff(attempt)
		if sleepErr := rp.sleep(ctx, delay); sleepErr != nil {
			return attempt, sleepErr
		}

		if onRetry != nil {
			onRetry(RetryNotice{Attempt: attempt + 1, Delay: delay, Err: err})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
