package governance

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig defines the token bucket for one key (a judge model).
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per key. Keys without a
// configured bucket are unlimited.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-key limits. Existing buckets keep their tokens.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	newBuckets := make(map[string]*tokenBucket, len(config))
	for key, cfg := range config {
		if bucket, exists := rl.buckets[key]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			newBuckets[key] = bucket
		} else {
			newBuckets[key] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, rl.now())
		}
	}
	rl.buckets = newBuckets
}

// Allow reports whether a call for key may proceed now, consuming a token
// when it may.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.reserve(key)
	return ok
}

// Wait blocks until a token for key is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wait := rl.reserve(key)
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

func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if !exists {
		return true, 0
	}
	return bucket.take(rl.now())
}

// Stats returns current rate limit statistics for all keys.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	now := rl.now()
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Rate      float64 `json:"rate"`
	BurstSize int     `json:"burst_size"`
	Available float64 `json:"available"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps float64, burstSize int, now time.Time) *tokenBucket {
	tb := &tokenBucket{lastRefill: now}
	tb.configure(rps, burstSize)
	tb.tokens = tb.capacity
	return tb
}

func (tb *tokenBucket) configure(rps float64, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 1
	}
	if burstSize <= 0 {
		burstSize = 1
	}
	tb.rate = rps
	tb.capacity = float64(burstSize)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take consumes one token. When none is available it returns the time until
// the next token accrues.
func (tb *tokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true, 0
	}
	missing := 1.0 - tb.tokens
	return false, time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Rate:      tb.rate,
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}
