package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowConsumesBurst(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"summarizer": {RequestsPerSecond: 0.001, BurstSize: 2},
	})

	assert.True(t, rl.Allow("summarizer"))
	assert.True(t, rl.Allow("summarizer"))
	assert.False(t, rl.Allow("summarizer"))
	assert.True(t, rl.Allow("unconfigured"), "keys without a bucket are unlimited")
}

func TestRateLimiter_DefaultAppliesPerKey(t *testing.T) {
	rl := NewRateLimiter(nil)
	rl.SetDefault(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "each key receives its own bucket")

	stats := rl.Stats()
	require.Contains(t, stats, "a")
	require.Contains(t, stats, "b")
	assert.Equal(t, 1, stats["a"].BurstSize)
}

func TestRateLimiter_WaitBlocksUntilRefill(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"agent": {RequestsPerSecond: 50, BurstSize: 1},
	})

	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx, "agent"))

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "agent"))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"agent": {RequestsPerSecond: 0.001, BurstSize: 1},
	})
	require.True(t, rl.Allow("agent"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx, "agent")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_ConfigurePreservesState(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"agent": {RequestsPerSecond: 0.001, BurstSize: 1},
	})
	require.True(t, rl.Allow("agent"))

	rl.Configure(map[string]RateLimiterConfig{
		"agent": {RequestsPerSecond: 0.001, BurstSize: 1},
	})
	assert.False(t, rl.Allow("agent"), "reconfiguring with the same capacity keeps the drained bucket")
}
