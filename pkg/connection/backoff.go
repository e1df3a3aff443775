package connection

import "time"

// maxShift keeps Base<<attempt from overflowing.
const maxShift = 30

// Backoff is the reconnection policy: the n-th consecutive failed attempt
// waits Base*2^n, and at most MaxAttempts attempts are made before giving up.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given zero based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return b.Base * time.Duration(1<<uint(attempt))
}

// Exhausted reports whether attempt exceeds the policy.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}

// Sequence returns every delay the policy will schedule, in order.
func (b Backoff) Sequence() []time.Duration {
	out := make([]time.Duration, 0, b.MaxAttempts)
	for i := 0; i < b.MaxAttempts; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}
