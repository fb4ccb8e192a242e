// Package ratelimit implements per-key request rate limiting with lazy-refill
// token buckets, shared across instances through Redis or held in process when
// no Redis is configured.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects a request against the key's token bucket.
type Limiter interface {
	// Allow consumes one token from keyID's bucket and reports whether the
	// request may proceed. Backend outages admit the request.
	Allow(ctx context.Context, keyID string) bool
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// LocalLimiter is an in-process Limiter used when no Redis is configured.
// Buckets are per instance; a multi-instance deployment wants RedisLimiter.
type LocalLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rps     float64
	burst   float64

	now func() time.Time // test hook
}

// NewLocalLimiter returns a limiter granting each key burst tokens,
// refilled at rps tokens per second.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from keyID's bucket. New keys start with a full
// bucket.
func (l *LocalLimiter) Allow(_ context.Context, keyID string) bool {
	b := l.getOrCreate(keyID)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastFill).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.rps)
		b.lastFill = now
	}
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (l *LocalLimiter) getOrCreate(keyID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[keyID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := l.buckets[keyID]; ok {
		return b
	}
	now := l.now()
	b = &bucket{tokens: l.burst, lastFill: now, lastUsed: now}
	l.buckets[keyID] = b
	return b
}

// EvictStale removes buckets not used since cutoff and returns the count.
func (l *LocalLimiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, k)
			evicted++
		}
	}
	return evicted
}
