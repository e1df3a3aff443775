package pipeline

import (
	"sync"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

// RetryQueue holds items whose callback failed until their next attempt.
type RetryQueue struct {
	mu         sync.Mutex
	maxRetries int
	delay      time.Duration
	capacity   int
	items      []retryEntry
	failed     uint64
	requeued   uint64
}

type retryEntry struct {
	item core.StreamItem
	due  time.Time
}

// NewRetryQueue creates a queue. capacity bounds the number of waiting
// items; zero means unbounded.
func NewRetryQueue(maxRetries int, delay time.Duration, capacity int) *RetryQueue {
	return &RetryQueue{maxRetries: maxRetries, delay: delay, capacity: capacity}
}

// Fail records a failed attempt. The item is requeued with its retry count
// incremented while it is below maxRetries; otherwise it is dropped and
// counted as failed. Returns whether the item was requeued.
func (q *RetryQueue) Fail(item core.StreamItem, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.RetryCount >= q.maxRetries || (q.capacity > 0 && len(q.items) >= q.capacity) {
		q.failed++
		return false
	}
	item.RetryCount++
	q.items = append(q.items, retryEntry{item: item, due: now.Add(q.delay)})
	q.requeued++
	return true
}

// Due removes and returns the items whose wait has elapsed, in failure order.
func (q *RetryQueue) Due(now time.Time) []core.StreamItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []core.StreamItem
	kept := q.items[:0]
	for _, e := range q.items {
		if !now.Before(e.due) {
			due = append(due, e.item)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = retryEntry{}
	}
	q.items = kept
	return due
}

// RemoveSubscription drops waiting items of a removed subscription.
func (q *RetryQueue) RemoveSubscription(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, e := range q.items {
		if e.item.SubscriptionID == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	return removed
}

// Len returns the number of waiting items.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Failed returns how many items were permanently dropped.
func (q *RetryQueue) Failed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// Requeued returns how many retries were scheduled.
func (q *RetryQueue) Requeued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeued
}

func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
