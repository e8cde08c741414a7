package governance

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig defines a token bucket for one key.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per key. Keys without a
// configured bucket use the default config when one is set, otherwise they are
// unlimited.
type RateLimiter struct {
	mu         sync.RWMutex
	buckets    map[string]*tokenBucket
	config     map[string]RateLimiterConfig
	defaultCfg *RateLimiterConfig
}

// NewRateLimiter creates a rate limiter with the provided per-key configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  make(map[string]RateLimiterConfig),
	}
	rl.Configure(config)
	return rl
}

// SetDefault applies cfg to every key lacking an explicit entry.
func (rl *RateLimiter) SetDefault(cfg RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.defaultCfg = &cfg
}

// Configure replaces the per-key limits, preserving token state of kept keys.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = make(map[string]RateLimiterConfig, len(config))
	for key, cfg := range config {
		rl.config[key] = cfg
	}

	newBuckets := make(map[string]*tokenBucket, len(config))
	for key, cfg := range config {
		if bucket, exists := rl.buckets[key]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			newBuckets[key] = bucket
		} else {
			newBuckets[key] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
		}
	}
	rl.buckets = newBuckets
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	def := rl.defaultCfg
	rl.mu.RUnlock()
	if exists || def == nil {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}
	bucket = newTokenBucket(def.RequestsPerSecond, def.BurstSize)
	rl.buckets[key] = bucket
	return bucket
}

// Allow reports whether a call for key may proceed now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	bucket := rl.bucket(key)
	if bucket == nil {
		return true
	}
	ok, _ := bucket.take()
	return ok
}

// Wait blocks until a token for key is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	bucket := rl.bucket(key)
	if bucket == nil {
		return ctx.Err()
	}

	for {
		ok, wait := bucket.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns current rate limit statistics for all keys.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats()
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          float64 `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps float64, burstSize int) *tokenBucket {
	rate, capacity := normalizeBucket(rps, burstSize)
	return &tokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

func normalizeBucket(rps float64, burstSize int) (float64, float64) {
	if rps <= 0 {
		rps = 10
	}
	if burstSize <= 0 {
		burstSize = int(max(1, rps))
	}
	return rps, float64(burstSize)
}

func (tb *tokenBucket) configure(rps float64, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	oldCapacity := tb.capacity
	tb.rate, tb.capacity = normalizeBucket(rps, burstSize)

	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take consumes one token. When none is available it returns the time until
// the next token accrues.
func (tb *tokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	missing := 1.0 - tb.tokens
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

func (tb *tokenBucket) stats() RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return RateLimitStats{
		Limit:          tb.rate,
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}
