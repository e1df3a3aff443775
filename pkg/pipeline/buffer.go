package pipeline

import (
	"sync"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

// Entry is an item held by the Buffer until it has been handed to its
// subscription's dispatch queue.
type Entry struct {
	Item       core.StreamItem
	EnqueuedAt time.Time

	// Screened is owned by the holder of a claim. It records that the
	// entry already passed admission checks on an earlier attempt.
	Screened bool

	processed bool
	claimed   bool // a hand-off is being attempted
}

// Buffer is a bounded FIFO of entries. When full, adding first prunes
// processed entries and only then evicts the oldest unprocessed one.
// Processed entries are also pruned by Sweep.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []*Entry
	overflow uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		entries:  make([]*Entry, 0, capacity),
	}
}

// Add appends item. The evicted entry, if any, was never handed off; it is
// returned and counted as overflow, and it is not requeued.
func (b *Buffer) Add(item core.StreamItem, now time.Time) (added *Entry, evicted *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		b.pruneLocked()
	}
	if len(b.entries) >= b.capacity {
		evicted = b.entries[0]
		b.entries[0] = nil
		b.entries = b.entries[1:]
		b.overflow++
	}
	added = &Entry{Item: item, EnqueuedAt: now}
	b.entries = append(b.entries, added)
	return added, evicted
}

func (b *Buffer) pruneLocked() {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.processed {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept
}

// MarkProcessed flags e as handed off.
func (b *Buffer) MarkProcessed(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.processed = true
	e.claimed = false
}

// Claim reserves an unprocessed entry for one hand-off attempt. It fails
// when e was handed off or another attempt holds it. A claimed entry must
// be marked processed or released.
func (b *Buffer) Claim(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.processed || e.claimed {
		return false
	}
	e.claimed = true
	return true
}

// Release returns a claimed entry to the buffer for a later sweep.
func (b *Buffer) Release(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.claimed = false
}

// Processed reports whether e was handed off.
func (b *Buffer) Processed(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return e.processed
}

// Sweep prunes processed entries and returns, marked processed, every
// unprocessed entry older than timeout, oldest first.
func (b *Buffer) Sweep(now time.Time, timeout time.Duration) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*Entry
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.processed && !e.claimed && now.Sub(e.EnqueuedAt) >= timeout {
			e.processed = true
			due = append(due, e)
			continue
		}
		if !e.processed {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept
	return due
}

// Unprocessed prunes handed-off entries and returns the unclaimed rest,
// oldest first. They stay in the buffer until marked processed.
func (b *Buffer) Unprocessed() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	var out []*Entry
	for _, e := range b.entries {
		if !e.claimed {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of held entries, processed ones included.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Pending returns the number of unprocessed entries.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if !e.processed {
			n++
		}
	}
	return n
}

// Overflow returns how many entries were evicted because the buffer was full.
func (b *Buffer) Overflow() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Oldest returns the oldest held entry or nil.
func (b *Buffer) Oldest() *Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0]
}

// Clear drops every entry. The overflow counter is kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]*Entry, 0, b.capacity)
}
