package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetryPolicy_CalculateBackoff(t *testing.T) {
	tests := []struct {
		name  string
		cfg   RetryConfig
		retry int
		want  time.Duration
	}{
		{name: "fixed", cfg: RetryConfig{InitialBackoff: time.Second, Mode: BackoffFixed}, retry: 3, want: time.Second},
		{name: "linear", cfg: RetryConfig{InitialBackoff: 2 * time.Second, Mode: BackoffLinear}, retry: 3, want: 6 * time.Second},
		{name: "exponential", cfg: RetryConfig{InitialBackoff: 100 * time.Millisecond, BackoffMultiplier: 2}, retry: 4, want: 800 * time.Millisecond},
		{name: "capped", cfg: RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Mode: BackoffLinear}, retry: 5, want: 3 * time.Second},
		{name: "retry below one", cfg: RetryConfig{InitialBackoff: time.Second, Mode: BackoffLinear}, retry: 0, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rp := NewRetryPolicy(tt.cfg)
			if got := rp.CalculateBackoff(tt.retry); got != tt.want {
				t.Fatalf("CalculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_JitterBounded(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, Mode: BackoffFixed, Jitter: true})
	for i := 0; i < 50; i++ {
		got := rp.CalculateBackoff(1)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.Less(t, got, 125*time.Millisecond)
	}
}

func TestRetryPolicy_ExecuteSucceedsAfterRetries(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, Mode: BackoffFixed})

	var notices []RetryNotice
	calls := 0
	attempts, err := rp.Execute(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, func(n RetryNotice) { notices = append(notices, n) })

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, notices, 2)
	assert.Equal(t, 2, notices[0].Attempt)
	assert.Equal(t, 3, notices[1].Attempt)
	assert.ErrorIs(t, notices[0].Err, errTransient)
}

func TestRetryPolicy_ExecuteExhausted(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 1, Mode: BackoffFixed})

	attempts, err := rp.Execute(context.Background(), func(context.Context, int) error {
		return errTransient
	}, nil)

	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errTransient)
}

func TestRetryPolicy_NoRetriesReturnsErrorUnchanged(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{})

	attempts, err := rp.Execute(context.Background(), func(context.Context, int) error {
		return errTransient
	}, nil)

	assert.Equal(t, 1, attempts)
	assert.Same(t, errTransient, err)
}

func TestRetryPolicy_StopPredicate(t *testing.T) {
	permanent := errors.New("permanent")
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries: 5,
		Mode:       BackoffFixed,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	})

	attempts, err := rp.Execute(context.Background(), func(context.Context, int) error {
		return permanent
	}, nil)

	assert.Equal(t, 1, attempts)
	assert.Same(t, permanent, err)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, Mode: BackoffFixed})
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := rp.Execute(ctx, func(context.Context, int) error {
		cancel()
		return errTransient
	}, nil)

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
