package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chainstream"

type metricDef struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(Snapshot) float64
}

// Collector exports snapshots as Prometheus metrics at scrape time.
type Collector struct {
	snapshot func() Snapshot
	defs     []metricDef
}

func counter(subsystem, name, help string, v func(Snapshot) uint64) metricDef {
	return metricDef{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		valueType: prometheus.CounterValue,
		value:     func(s Snapshot) float64 { return float64(v(s)) },
	}
}

func gauge(subsystem, name, help string, v func(Snapshot) float64) metricDef {
	return metricDef{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		valueType: prometheus.GaugeValue,
		value:     v,
	}
}

// NewCollector builds a collector reading from snapshot.
func NewCollector(snapshot func() Snapshot) *Collector {
	return &Collector{
		snapshot: snapshot,
		defs: []metricDef{
			counter("router", "messages_received_total", "Raw notifications received from the node", func(s Snapshot) uint64 { return s.MessagesReceived }),
			counter("router", "items_routed_total", "Notifications turned into stream items", func(s Snapshot) uint64 { return s.ItemsRouted }),
			counter("router", "decode_errors_total", "Contract events delivered with a decode error", func(s Snapshot) uint64 { return s.DecodeErrors }),
			counter("router", "validation_errors_total", "Malformed notifications dropped", func(s Snapshot) uint64 { return s.ValidationErrors }),
			counter("router", "unroutable_total", "Notifications for unknown subscription handles", func(s Snapshot) uint64 { return s.Unroutable }),
			counter("router", "filtered_total", "Logs outside the subscription block range", func(s Snapshot) uint64 { return s.Filtered }),
			counter("router", "batches_flushed_total", "Router batches handed to the buffer", func(s Snapshot) uint64 { return s.BatchesFlushed }),
			counter("buffer", "overflow_total", "Entries evicted because the buffer was full", func(s Snapshot) uint64 { return s.BufferOverflowCount }),
			counter("buffer", "swept_total", "Stale entries dispatched by the buffer sweep", func(s Snapshot) uint64 { return s.BufferSwept }),
			counter("dedup", "dropped_total", "Items dropped as duplicates", func(s Snapshot) uint64 { return s.DuplicatesDropped }),
			counter("ratelimit", "dropped_total", "Items shed by the rate limiter", func(s Snapshot) uint64 { return s.RateLimited }),
			counter("dispatch", "items_total", "Items handed to subscription workers", func(s Snapshot) uint64 { return s.ItemsDispatched }),
			counter("dispatch", "delivered_total", "Callbacks completed without error", func(s Snapshot) uint64 { return s.ItemsDelivered }),
			counter("dispatch", "queue_full_total", "Hand offs refused by a full worker queue", func(s Snapshot) uint64 { return s.DispatchQueueFull }),
			counter("dispatch", "callback_errors_total", "Consumer callbacks that failed", func(s Snapshot) uint64 { return s.CallbackErrors }),
			counter("retry", "scheduled_total", "Retries scheduled after callback failures", func(s Snapshot) uint64 { return s.RetriesScheduled }),
			counter("retry", "exhausted_total", "Items dropped after exhausting retries", func(s Snapshot) uint64 { return s.RetriesExhausted }),
			counter("connection", "reconnects_total", "Successful reconnections", func(s Snapshot) uint64 { return s.Reconnects }),
			counter("connection", "forced_reconnects_total", "Reconnects forced by heartbeat or error recovery", func(s Snapshot) uint64 { return s.ForcedReconnects }),
			counter("connection", "transport_errors_total", "Transport level errors", func(s Snapshot) uint64 { return s.TransportErrors }),
			counter("connection", "heartbeat_failures_total", "Failed liveness probes", func(s Snapshot) uint64 { return s.HeartbeatFailures }),
			counter("subscription", "errors_total", "Subscription arm or disarm failures", func(s Snapshot) uint64 { return s.SubscriptionErrors }),
			gauge("buffer", "size", "Entries held by the stream buffer", func(s Snapshot) float64 { return float64(s.BufferSize) }),
			gauge("buffer", "pending", "Entries not yet handed off", func(s Snapshot) float64 { return float64(s.BufferPending) }),
			gauge("buffer", "overflow_count", "Entries evicted because the buffer was full", func(s Snapshot) float64 { return float64(s.BufferOverflowCount) }),
			gauge("retry", "queue_size", "Items waiting for a retry", func(s Snapshot) float64 { return float64(s.RetryQueueSize) }),
			gauge("dedup", "keys", "Keys tracked by the deduplication window", func(s Snapshot) float64 { return float64(s.DedupKeys) }),
			gauge("subscription", "count", "Registered subscriptions", func(s Snapshot) float64 { return float64(s.Subscriptions) }),
			gauge("subscription", "active", "Enabled subscriptions", func(s Snapshot) float64 { return float64(s.ActiveSubscriptions) }),
			gauge("subscription", "live_handles", "Subscriptions armed on the node", func(s Snapshot) float64 { return float64(s.LiveHandles) }),
			gauge("connection", "up", "1 when connected to the node", func(s Snapshot) float64 {
				if s.Connected {
					return 1
				}
				return 0
			}),
			gauge("connection", "heartbeat_latency_seconds", "Latency of the last successful probe", func(s Snapshot) float64 { return s.HeartbeatLatencyMs / 1000 }),
			gauge("connection", "error_count", "Transport errors counted towards error recovery", func(s Snapshot) float64 { return float64(s.ErrorCount) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.defs {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	for _, d := range c.defs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, d.value(s))
	}
}

// NewRegistry returns a registry with the streamer collector plus the Go
// runtime and process collectors.
func NewRegistry(snapshot func() Snapshot) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	cs := []prometheus.Collector{
		NewCollector(snapshot),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
