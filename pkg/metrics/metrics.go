// Package metrics aggregates the streaming core's counters and gauges.
//
// Counters are bumped by the read path, dispatch workers and timers.
// Snapshot reads them without side effects; the Prometheus collector calls
// the same snapshot on every scrape.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds the monotonic counters of a streamer.
type Metrics struct {
	MessagesReceived   atomic.Uint64
	ItemsRouted        atomic.Uint64
	ItemsDispatched    atomic.Uint64
	ItemsDelivered     atomic.Uint64
	DuplicatesDropped  atomic.Uint64
	RateLimited        atomic.Uint64
	BufferOverflow     atomic.Uint64
	BufferSwept        atomic.Uint64
	DecodeErrors       atomic.Uint64
	ValidationErrors   atomic.Uint64
	Unroutable         atomic.Uint64
	Filtered           atomic.Uint64
	CallbackErrors     atomic.Uint64
	RetriesScheduled   atomic.Uint64
	RetriesExhausted   atomic.Uint64
	DispatchQueueFull  atomic.Uint64
	BatchesFlushed     atomic.Uint64
	Reconnects         atomic.Uint64
	ForcedReconnects   atomic.Uint64
	TransportErrors    atomic.Uint64
	HeartbeatFailures  atomic.Uint64
	SubscriptionErrors atomic.Uint64

	startedAt time.Time
}

func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// Gauges are point in time values owned by other components.
type Gauges struct {
	BufferSize          int     `json:"buffer_size"`
	BufferPending       int     `json:"buffer_pending"`
	RetryQueueSize      int     `json:"retry_queue_size"`
	DedupKeys           int     `json:"dedup_keys"`
	Subscriptions       int     `json:"subscriptions"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	LiveHandles         int     `json:"live_handles"`
	Connected           bool    `json:"connected"`
	HeartbeatLatencyMs  float64 `json:"heartbeat_latency_ms"`
	ErrorCount          int     `json:"error_count"`
}

// Snapshot is a consistent enough copy of counters and gauges for status
// output. Counters are read individually, not under a global lock.
type Snapshot struct {
	MessagesReceived    uint64  `json:"messages_received"`
	ItemsRouted         uint64  `json:"items_routed"`
	ItemsDispatched     uint64  `json:"items_dispatched"`
	ItemsDelivered      uint64  `json:"items_delivered"`
	DuplicatesDropped   uint64  `json:"duplicates_dropped"`
	RateLimited         uint64  `json:"rate_limited"`
	BufferOverflowCount uint64  `json:"buffer_overflow_count"`
	BufferSwept         uint64  `json:"buffer_swept"`
	DecodeErrors        uint64  `json:"decode_errors"`
	ValidationErrors    uint64  `json:"validation_errors"`
	Unroutable          uint64  `json:"unroutable"`
	Filtered            uint64  `json:"filtered"`
	CallbackErrors      uint64  `json:"callback_errors"`
	RetriesScheduled    uint64  `json:"retries_scheduled"`
	RetriesExhausted    uint64  `json:"retries_exhausted"`
	DispatchQueueFull   uint64  `json:"dispatch_queue_full"`
	BatchesFlushed      uint64  `json:"batches_flushed"`
	Reconnects          uint64  `json:"reconnects"`
	ForcedReconnects    uint64  `json:"forced_reconnects"`
	TransportErrors     uint64  `json:"transport_errors"`
	HeartbeatFailures   uint64  `json:"heartbeat_failures"`
	SubscriptionErrors  uint64  `json:"subscription_errors"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	Gauges
}

// Snapshot copies the counters and attaches g.
func (m *Metrics) Snapshot(g Gauges) Snapshot {
	return Snapshot{
		MessagesReceived:    m.MessagesReceived.Load(),
		ItemsRouted:         m.ItemsRouted.Load(),
		ItemsDispatched:     m.ItemsDispatched.Load(),
		ItemsDelivered:      m.ItemsDelivered.Load(),
		DuplicatesDropped:   m.DuplicatesDropped.Load(),
		RateLimited:         m.RateLimited.Load(),
		BufferOverflowCount: m.BufferOverflow.Load(),
		BufferSwept:         m.BufferSwept.Load(),
		DecodeErrors:        m.DecodeErrors.Load(),
		ValidationErrors:    m.ValidationErrors.Load(),
		Unroutable:          m.Unroutable.Load(),
		Filtered:            m.Filtered.Load(),
		CallbackErrors:      m.CallbackErrors.Load(),
		RetriesScheduled:    m.RetriesScheduled.Load(),
		RetriesExhausted:    m.RetriesExhausted.Load(),
		DispatchQueueFull:   m.DispatchQueueFull.Load(),
		BatchesFlushed:      m.BatchesFlushed.Load(),
		Reconnects:          m.Reconnects.Load(),
		ForcedReconnects:    m.ForcedReconnects.Load(),
		TransportErrors:     m.TransportErrors.Load(),
		HeartbeatFailures:   m.HeartbeatFailures.Load(),
		SubscriptionErrors:  m.SubscriptionErrors.Load(),
		UptimeSeconds:       time.Since(m.startedAt).Seconds(),
		Gauges:              g,
	}
}
