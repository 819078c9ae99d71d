package rules

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter keyed by an arbitrary string.
// When a window has elapsed the counter resets before the check, and the
// counter is incremented only for allowed requests, so a rejected request
// consumes no quota.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window)}
}

// Allow reports whether one more request fits inside the current window
// for key, and consumes a unit if it does.
func (rl *RateLimiter) Allow(key string, limit int, span time.Duration, now time.Time) bool {
	if limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		w = &window{start: now}
		rl.windows[key] = w
	}
	if now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Reset drops all counters. Intended for tests and config reloads.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows = make(map[string]*window)
}
