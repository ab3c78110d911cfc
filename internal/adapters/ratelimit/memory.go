package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a per-key token bucket held in process memory. It is only
// correct for a single instance; use RedisLimiter when running more than one.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // max tokens
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket allows burst attempts at once, refilled at limit per window.
func NewTokenBucket(limit int, window time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = limit
	}
	return &TokenBucket{
		buckets: make(map[string]*bucket),
		rate:    float64(limit) / window.Seconds(),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: float64(tb.burst), last: now}
		tb.buckets[key] = b
	}

	// Refill
	b.tokens += now.Sub(b.last).Seconds() * tb.rate
	if b.tokens > float64(tb.burst) {
		b.tokens = float64(tb.burst)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	wait := time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
	return false, wait, nil
}

// Cleanup drops buckets that have been idle long enough to be full again.
func (tb *TokenBucket) Cleanup() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	for key, b := range tb.buckets {
		if now.Sub(b.last) > tb.idle {
			delete(tb.buckets, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (tb *TokenBucket) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tb.Cleanup()
		}
	}
}
