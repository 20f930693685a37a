// Package ratelimit throttles requests per caller with token buckets.
//
// Each key gets a bucket holding up to capacity tokens that refills at
// capacity per window. A request spends one token; an empty bucket rejects
// it without waiting.
//
//	limiter := ratelimit.New(60, time.Minute)
//	if !limiter.Allow(caller.String()) {
//	    return errRateLimited
//	}
package ratelimit

import (
	"sync"
	"time"
)

// bucket implements a token bucket.
type bucket struct {
	available  int
	lastRefill time.Time
}

// refill credits whole tokens earned since lastRefill. lastRefill advances
// only by the time those tokens represent so fractions carry over.
func (b *bucket) refill(now time.Time, capacity int, window time.Duration) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	tokens := int(int64(capacity) * int64(elapsed) / int64(window))
	if tokens <= 0 {
		return
	}
	b.available += tokens
	if b.available >= capacity {
		b.available = capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(int64(tokens) * int64(window) / int64(capacity)))
}

// Limiter is a set of per-key token buckets. It is safe for concurrent use.
// A nil *Limiter allows everything.
type Limiter struct {
	capacity int
	window   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	nowFunc   func() time.Time // for testing
}

// New creates a Limiter allowing capacity requests per window for each key.
// It returns nil, which allows everything, when either is non-positive.
func New(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 || window <= 0 {
		return nil
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucket),
		nowFunc:  time.Now,
	}
}

// Allow spends one token from key's bucket, reporting false when it is empty.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{available: l.capacity, lastRefill: now} // start full
		l.buckets[key] = b
	}
	b.refill(now, l.capacity, l.window)
	if b.available == 0 {
		return false
	}
	b.available--
	return true
}

// Available returns the tokens left for key.
func (l *Limiter) Available(key string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.capacity
	}
	b.refill(l.nowFunc(), l.capacity, l.window)
	return b.available
}

// sweep drops buckets that have refilled completely, at most once per window.
// A dropped bucket is indistinguishable from a new one.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		b.refill(now, l.capacity, l.window)
		if b.available == l.capacity {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
