// Package ratelimit implements the fixed-window token bucket gating
// handshakes (per source IP) and chat messages (per user).
package ratelimit

import (
	"sync"
	"time"
)

// DefaultMaxRequests and DefaultWindow are the shipped limits: 60 requests
// per 60 seconds per key.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = 60 * time.Second
)

// Limiter tracks one token bucket per identity key ("ip:<addr>", "user:<id>").
//
// Buckets refill completely once a full window has elapsed since the last
// refill. A bucket may be administratively blocked for a duration, during
// which TryConsume always fails. Buckets untouched for two windows are
// reclaimed by Sweep.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens       int
	lastRefill   time.Time
	lastActivity time.Time
	blockedUntil time.Time
}

// New returns a Limiter with the given per-window budget. Non-positive
// arguments fall back to the defaults.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:     maxRequests,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// TryConsume takes one token from the bucket for key, reporting whether the
// caller is within its budget. Calls for the same key are serialized, so
// concurrent callers consume exactly the tokens that were available.
func (l *Limiter) TryConsume(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: l.max, lastRefill: now}
		l.buckets[key] = b
	}
	b.lastActivity = now
	if now.Before(b.blockedUntil) {
		return false
	}
	if now.Sub(b.lastRefill) >= l.window {
		b.tokens = l.max
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Available reports the tokens currently available for key without consuming.
func (l *Limiter) Available(key string) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		return l.max
	}
	if now.Before(b.blockedUntil) {
		return 0
	}
	if now.Sub(b.lastRefill) >= l.window {
		return l.max
	}
	return b.tokens
}

// Block administratively rejects key for d, independent of token balance.
func (l *Limiter) Block(key string, d time.Duration) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: l.max, lastRefill: now}
		l.buckets[key] = b
	}
	b.lastActivity = now
	b.blockedUntil = now.Add(d)
}

// Sweep drops buckets inactive for at least two windows. Blocked buckets are
// retained until the block expires so a cooldown survives inactivity.
func (l *Limiter) Sweep(now time.Time) {
	idle := 2 * l.window
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastActivity) >= idle {
			delete(l.buckets, k)
		}
	}
}

// Len reports the number of live buckets. Used by the stats tick.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// IPKey and UserKey build the canonical identity keys.
func IPKey(addr string) string { return "ip:" + addr }
func UserKey(id string) string { return "user:" + id }
