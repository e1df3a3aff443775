package pipeline

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit items in any sliding window. Items over
// the limit are rejected, never delayed.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

// NewRateLimiter returns a limiter over a one second window.
func NewRateLimiter(perSecond int) *RateLimiter {
	return &RateLimiter{limit: perSecond, window: time.Second}
}

// Allow reports whether an item arriving at now is admitted, recording it
// if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked(now)
	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

func (r *RateLimiter) expireLocked(now time.Time) {
	i := 0
	for i < len(r.stamps) && now.Sub(r.stamps[i]) >= r.window {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

// InWindow returns how many admitted items fall inside the window ending at now.
func (r *RateLimiter) InWindow(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(now)
	return len(r.stamps)
}

func (r *RateLimiter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = nil
}
