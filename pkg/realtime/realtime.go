// Package realtime provides the stream event envelope and a lightweight
// in-process publish/subscribe hub used to fan out streamer events to
// multiple listeners (the archive sink, the NDJSON bridge, WebSocket
// sessions, tests).
//
// Delivery is best effort: slow listeners drop events, they never
// backpressure the streamer. There is no persistence or replay.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

// EventType names a streamer event.
type EventType string

const (
	EventConnected           EventType = "connected"
	EventDisconnected        EventType = "disconnected"
	EventError               EventType = "error"
	EventSubscriptionAdded   EventType = "subscription_added"
	EventSubscriptionRemoved EventType = "subscription_removed"
	EventSubscriptionError   EventType = "subscription_error"
	EventStreamingStarted    EventType = "streaming_started"
	EventStreamingStopped    EventType = "streaming_stopped"
	EventStreamingPaused     EventType = "streaming_paused"
	EventStreamingResumed    EventType = "streaming_resumed"
	EventData                EventType = "data"
	EventShutdown            EventType = "shutdown"
	EventStateChanged        EventType = "state_changed"
	EventReconnectExhausted  EventType = "reconnect_exhausted"
)

// Event is the hub envelope. Only the fields relevant to Type are set.
type Event struct {
	Type           EventType        `json:"type"`
	Time           time.Time        `json:"time"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	State          string           `json:"state,omitempty"`
	PrevState      string           `json:"prev_state,omitempty"`
	URL            string           `json:"url,omitempty"`
	Error          string           `json:"error,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
	Item           *core.StreamItem `json:"item,omitempty"`
}

// NewEvent stamps an event of type t with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Time: time.Now().UTC()}
}

// DataEvent wraps a dispatched item.
func DataEvent(item core.StreamItem) Event {
	ev := NewEvent(EventData)
	ev.SubscriptionID = item.SubscriptionID
	ev.Kind = item.Kind.String()
	ev.Item = &item
	return ev
}

// Hub is an in-memory fan-out dispatcher. Each registered listener receives
// events via its own buffered channel. If a listener's channel is full the
// event is dropped for that listener only.
//
// The hub is concurrency-safe.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Event
	nextID    uint64
	bufSize   int
	closed    bool
	dropped   atomic.Uint64
}

// NewHub constructs a hub with per-listener buffer size. If bufSize <= 0, a
// default of 32 is used.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{
		listeners: make(map[uint64]chan Event),
		bufSize:   bufSize,
	}
}

// Register adds a new listener and returns its id and receive channel.
// Callers must later Unregister(id). Registering on a closed hub returns
// an already closed channel.
func (h *Hub) Register() (uint64, <-chan Event) {
	return h.RegisterSize(h.bufSize)
}

// RegisterSize is Register with a custom buffer size.
func (h *Hub) RegisterSize(size int) (uint64, <-chan Event) {
	if size <= 0 {
		size = h.bufSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, size)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.listeners[id] = ch
	return id, ch
}

// Unregister removes the listener and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

// Broadcast delivers ev to all registered listeners (best effort).
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close unregisters every listener. Later broadcasts are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.listeners {
		delete(h.listeners, id)
		close(ch)
	}
}

// Size returns the current number of listeners.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Dropped returns how many deliveries were dropped for slow listeners.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
