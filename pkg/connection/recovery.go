package connection

import (
	"sync"
	"time"
)

// Recovery counts transport errors. When the count reaches max it trips:
// onTrip runs, and after the cooldown the count resets and onExpire runs.
// While cooling no reconnection may be scheduled.
type Recovery struct {
	enabled  bool
	max      int
	cooldown time.Duration

	mu      sync.Mutex
	count   int
	cooling bool
	timer   *time.Timer
	gen     uint64
	stopped bool

	onTrip   func()
	onExpire func()
}

func NewRecovery(enabled bool, max int, cooldown time.Duration) *Recovery {
	return &Recovery{
		enabled:  enabled,
		max:      max,
		cooldown: cooldown,
		onTrip:   func() {},
		onExpire: func() {},
	}
}

// Record counts one error and reports whether it tripped the threshold.
func (r *Recovery) Record() bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.count++
	if !r.enabled || r.cooling || r.count < r.max {
		r.mu.Unlock()
		return false
	}
	r.cooling = true
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(r.cooldown, func() { r.expire(gen) })
	r.mu.Unlock()

	r.onTrip()
	return true
}

func (r *Recovery) expire(gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.gen || !r.cooling {
		r.mu.Unlock()
		return
	}
	r.cooling = false
	r.count = 0
	r.timer = nil
	r.mu.Unlock()

	r.onExpire()
}

// Cooling reports whether a cooldown is in progress.
func (r *Recovery) Cooling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooling
}

// Count returns the errors counted since the last reset.
func (r *Recovery) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Reset clears the count and cancels any cooldown without running onExpire.
func (r *Recovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recovery) resetLocked() {
	r.count = 0
	r.cooling = false
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stop cancels any cooldown. Stopped recoveries ignore further errors.
func (r *Recovery) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.stopped = true
}
