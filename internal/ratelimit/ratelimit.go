// Package ratelimit implements the per-user sliding window admission check
// for the message pipeline. Keys compose the provider prefix with the sender
// id so identical numeric ids on different platforms never collide.
package ratelimit

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked keys to prevent memory
// exhaustion from rotating sender ids.
const maxTrackedKeys = 4096

type entry struct {
	count   int
	resetAt time.Time
}

// Result reports an admission decision. RetryAfter is only meaningful when
// Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a per-user sliding window counter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]*entry
	now     func() time.Time // swappable in tests
}

// New creates a limiter admitting max requests per window per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Check admits or denies one request for key. On admit the counter is
// incremented; on a fresh window the count resets to 1.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		if len(l.entries) >= maxTrackedKeys {
			l.evictExpiredLocked(now)
		}
		l.entries[key] = &entry{count: 1, resetAt: now.Add(l.window)}
		return Result{Allowed: true}
	}

	if e.count >= l.max {
		return Result{Allowed: false, RetryAfter: e.resetAt.Sub(now)}
	}
	e.count++
	return Result{Allowed: true}
}

// Run sweeps expired entries every window until ctx-style done channel
// closes. The sweep runs even when the map is empty.
func (l *Limiter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.evictExpiredLocked(l.now())
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) evictExpiredLocked(now time.Time) {
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
}

// Key builds the provider-scoped rate limit key.
func Key(providerName, senderID string) string {
	return providerName + ":" + senderID
}
