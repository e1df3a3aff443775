package pipeline

import (
	"sync"
	"time"
)

// Dedup suppresses keys accepted within the window.
type Dedup struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string][]time.Time
}

func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		window: window,
		seen:   make(map[string][]time.Time),
	}
}

// IsDuplicate reports whether key was accepted less than window ago.
func (d *Dedup) IsDuplicate(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicateLocked(key, now)
}

func (d *Dedup) duplicateLocked(key string, now time.Time) bool {
	for _, ts := range d.seen[key] {
		if now.Sub(ts) < d.window {
			return true
		}
	}
	return false
}

// Accept records key at now when it is not a duplicate and reports whether
// it was accepted.
func (d *Dedup) Accept(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.duplicateLocked(key, now) {
		return false
	}
	d.seen[key] = append(d.seen[key], now)
	return true
}

// Sweep drops timestamps older than the window and empty keys. It returns
// the number of keys removed.
func (d *Dedup) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, stamps := range d.seen {
		kept := stamps[:0]
		for _, ts := range stamps {
			if now.Sub(ts) < d.window {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(d.seen, key)
			removed++
			continue
		}
		d.seen[key] = kept
	}
	return removed
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string][]time.Time)
}
