// Package ratelimit provides a lock-free token bucket guarding outbound
// API quota.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter is a token bucket refilled once per interval. All state is
// manipulated with atomics so hot-path Allow never takes a lock.
type Limiter struct {
	tokens       int64 // atomic
	maxTokens    int64 // atomic
	refillRate   int64 // atomic
	intervalNs   int64 // interval in nanoseconds (atomic)
	lastRefillNs int64 // atomic (UnixNano)
}

// New creates a limiter allowing ratePerInterval calls per interval.
func New(ratePerInterval int, interval time.Duration) *Limiter {
	tokens := int64(ratePerInterval)
	return &Limiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow consumes one token if available.
func (r *Limiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	// Try to refill tokens
	elapsed := now - lastRefill
	if elapsed >= intervalNs {
		intervals := elapsed / intervalNs
		refillRate := atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)
		tokensToAdd := intervals * refillRate

		// CAS loop for updating lastRefill
		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	// Try to consume a token
	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}

// Wait blocks until a token is available or the context is done.
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		interval := time.Duration(atomic.LoadInt64(&r.intervalNs))
		pause := interval / 10
		if pause < time.Millisecond {
			pause = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// SetRate updates the rate limit atomically.
func (r *Limiter) SetRate(ratePerInterval int) {
	atomic.StoreInt64(&r.maxTokens, int64(ratePerInterval))
	atomic.StoreInt64(&r.refillRate, int64(ratePerInterval))
}
