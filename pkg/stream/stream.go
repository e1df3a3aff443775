// Package stream is the streaming facade: it owns the connection
// supervisor, the subscription registry and the delivery pipeline.
//
// Notifications from every session land on one inbound channel read by a
// single consumer loop. The loop routes, batches, buffers, deduplicates and
// rate limits items, then hands each one to its subscription's bounded
// dispatch queue. Callbacks run on per-subscription workers so a slow
// consumer never stalls the read path.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/connection"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/metrics"
	"github.com/rubiojr/chainstream/pkg/pipeline"
	"github.com/rubiojr/chainstream/pkg/realtime"
	"github.com/rubiojr/chainstream/pkg/subscription"
	"github.com/rubiojr/chainstream/pkg/transport"
)

const (
	inboundSize = 1024
	hubBuffer   = 256
)

// StreamConfig describes a stream to add. An empty ID gets a generated one.
type StreamConfig struct {
	ID       string
	Source   core.Source
	Callback core.Callback
	OnError  core.ErrorHandler
	Disabled bool
}

// StreamPatch changes an existing stream. Nil fields are left untouched.
type StreamPatch struct {
	Source   core.Source
	Callback core.Callback
	OnError  core.ErrorHandler
}

// SubscriptionStatus describes one subscription.
type SubscriptionStatus struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Live    bool   `json:"live"`
	Handle  string `json:"handle,omitempty"`
}

// Status is the streamer health summary.
type Status struct {
	Connected           bool                 `json:"connected"`
	State               string               `json:"state"`
	URL                 string               `json:"url"`
	ConnectedAt         *time.Time           `json:"connected_at,omitempty"`
	ReconnectCount      int                  `json:"reconnect_count"`
	SubscriptionCount   int                  `json:"subscription_count"`
	ActiveSubscriptions int                  `json:"active_subscriptions"`
	ErrorCount          int                  `json:"error_count"`
	LastHeartbeatAt     *time.Time           `json:"last_heartbeat_at,omitempty"`
	HeartbeatLatencyMs  float64              `json:"heartbeat_latency_ms"`
	Paused              bool                 `json:"paused"`
	Exhausted           bool                 `json:"reconnect_exhausted"`
	Cooling             bool                 `json:"cooling"`
	Subscriptions       []SubscriptionStatus `json:"subscriptions"`
}

// Streamer multiplexes subscriptions over one resilient node connection.
type Streamer struct {
	cfg config.StreamConfig
	l   *log.Logger

	inbound chan transport.Notification
	armed   chan struct{}
	sup     *connection.Supervisor
	reg     *subscription.Registry
	hub     *realtime.Hub
	metrics *metrics.Metrics

	buffer  *pipeline.Buffer
	dedup   *pipeline.Dedup
	limiter *pipeline.RateLimiter
	retries *pipeline.RetryQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	started  bool
	stopped  bool
	paused   atomic.Bool
	everConn atomic.Bool

	shutdownOnce sync.Once
}

// New validates cfg and builds a streamer dialing through tr. Nothing runs
// until Start.
func New(cfg config.StreamConfig, tr transport.Transport) (*Streamer, error) {
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer{
		cfg:     cfg,
		l:       log.ForService("stream"),
		inbound: make(chan transport.Notification, inboundSize),
		armed:   make(chan struct{}, 1),
		reg:     subscription.New(cfg.MaxSubscriptions),
		hub:     realtime.NewHub(hubBuffer),
		metrics: metrics.New(),
		buffer:  pipeline.NewBuffer(cfg.BufferSize),
		dedup:   pipeline.NewDedup(cfg.DeduplicationWindow.Duration),
		limiter: pipeline.NewRateLimiter(cfg.MaxMessagesPerSecond),
		retries: pipeline.NewRetryQueue(cfg.MaxRetries, cfg.RetryDelay.Duration, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
	s.reg.OnArmError = s.armFailed
	s.reg.OnArmed = func() {
		select {
		case s.armed <- struct{}{}:
		default:
		}
	}
	s.reg.CallTimeout = cfg.ConnectionTimeout.Duration
	s.sup = connection.NewSupervisor(connection.ConfigFrom(cfg), tr, s.inbound, connection.Hooks{
		OnStateChange:     s.stateChanged,
		OnConnected:       s.connected,
		OnDisconnected:    s.disconnected,
		OnExhausted:       s.exhausted,
		OnForcedReconnect: func(error) { s.metrics.ForcedReconnects.Add(1) },
		OnSuspend:         s.suspend,
		OnError:           s.transportError,
		OnHeartbeat: func(_ time.Duration, err error) {
			if err != nil {
				s.metrics.HeartbeatFailures.Add(1)
			}
		},
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			s.l.Debugf("reconnect attempt %d scheduled in %s", attempt+1, delay)
		},
	})
	return s, nil
}

// Events returns the hub carrying lifecycle and data events.
func (s *Streamer) Events() *realtime.Hub {
	return s.hub
}

func (s *Streamer) emit(ev realtime.Event) {
	s.hub.Broadcast(ev)
}

// Start runs the pipeline and connects. A failed initial connect is handed
// to the reconnection policy and is not returned. The streamer shuts down
// when ctx ends.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.ErrShuttingDown
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("streamer already started")
	}
	s.started = true
	s.wg.Add(4)
	s.mu.Unlock()

	go s.consume()
	go s.every(s.cfg.SweepInterval(), s.sweepBuffer)
	go s.every(s.cfg.RetryDelay.Duration, s.sweepRetries)
	go s.every(dedupSweepInterval(s.cfg.DeduplicationWindow.Duration), s.sweepDedup)

	context.AfterFunc(ctx, s.Shutdown)

	s.l.Infof("streaming from %s", s.cfg.WSURL)
	s.emit(realtime.NewEvent(realtime.EventStreamingStarted))
	if err := s.sup.Start(); err != nil {
		s.l.Warnf("initial connect failed, retrying in background: %v", err)
	}
	return nil
}

func dedupSweepInterval(window time.Duration) time.Duration {
	if d := window / 4; d > time.Second {
		return d
	}
	return time.Second
}

func (s *Streamer) every(interval time.Duration, fn func(time.Time)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// consume is the single reader of the inbound channel.
func (s *Streamer) consume() {
	defer s.wg.Done()

	var batch []core.StreamItem
	var batchTimer *time.Timer
	var batchC <-chan time.Time
	flush := func() {
		if batchTimer != nil {
			batchTimer.Stop()
			batchTimer, batchC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		s.metrics.BatchesFlushed.Add(1)
		s.ingest(batch, time.Now())
		batch = nil
	}
	defer func() {
		if batchTimer != nil {
			batchTimer.Stop()
		}
	}()

	accept := func(item core.StreamItem) {
		if !s.cfg.EnableBatching {
			s.ingest([]core.StreamItem{item}, time.Now())
			return
		}
		batch = append(batch, item)
		if len(batch) >= s.cfg.BatchSize {
			flush()
			return
		}
		if batchTimer == nil {
			batchTimer = time.NewTimer(s.cfg.BatchTimeout.Duration)
			batchC = batchTimer.C
		}
	}

	lot := newParking(inboundSize, s.cfg.ConnectionTimeout.Duration)
	handle := func(n transport.Notification) {
		r, ok, pending := s.reg.Resolve(n.Handle)
		if !ok {
			if pending && lot.park(n) {
				return
			}
			s.unroutable(n)
			return
		}
		if item, ok := s.routeNotification(n, r); ok {
			accept(item)
		}
	}
	// replay re-resolves parked notifications in arrival order. Those whose
	// arm is still in flight are parked again.
	replay := func() {
		if lot.len() == 0 {
			return
		}
		live, expired := lot.take(time.Now())
		for _, n := range expired {
			s.unroutable(n)
		}
		for _, n := range live {
			handle(n)
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-batchC:
			batchTimer, batchC = nil, nil
			flush()
		case <-s.armed:
			replay()
		case n := <-s.inbound:
			s.metrics.MessagesReceived.Add(1)
			replay()
			handle(n)
		}
	}
}

func (s *Streamer) unroutable(n transport.Notification) {
	s.metrics.Unroutable.Add(1)
	s.l.Debugf("notification for unknown handle %s dropped", n.Handle)
}

func (s *Streamer) routeNotification(n transport.Notification, r subscription.Route) (core.StreamItem, bool) {
	if !r.Subscription.Enabled {
		s.metrics.Filtered.Add(1)
		return core.StreamItem{}, false
	}

	item, err := route(n, r)
	switch {
	case errors.Is(err, errOutOfRange):
		s.metrics.Filtered.Add(1)
		return core.StreamItem{}, false
	case err != nil:
		s.metrics.ValidationErrors.Add(1)
		s.l.Warnf("dropping item for %s: %v", r.Subscription.ID, err)
		return core.StreamItem{}, false
	}
	if item.DecodeError != "" {
		s.metrics.DecodeErrors.Add(1)
		s.l.Debugf("decode failed for %s: %s", item.SubscriptionID, item.DecodeError)
	}
	s.metrics.ItemsRouted.Add(1)
	return item, true
}

// ingest buffers items and admits each one.
func (s *Streamer) ingest(items []core.StreamItem, now time.Time) {
	for _, item := range items {
		entry, evicted := s.buffer.Add(item, now)
		if evicted != nil {
			s.metrics.BufferOverflow.Add(1)
			s.l.Warnf("buffer full, evicted item %s of %s", evicted.Item.ID, evicted.Item.SubscriptionID)
		}
		if s.paused.Load() {
			continue
		}
		s.admit(entry, now, true)
	}
}

// admit applies dedup and, when limit is set, the rate limiter, then
// dispatches. Entries that cannot be queued stay unprocessed in the buffer
// for the sweep. An entry another hand-off holds is left alone.
func (s *Streamer) admit(entry *pipeline.Entry, now time.Time, limit bool) {
	if !s.buffer.Claim(entry) {
		return
	}
	item := entry.Item
	if !entry.Screened {
		if s.cfg.EnableDeduplication && !s.dedup.Accept(item.DedupKey(), now) {
			s.metrics.DuplicatesDropped.Add(1)
			s.buffer.MarkProcessed(entry)
			return
		}
		if limit && s.cfg.EnableRateLimiting && !s.limiter.Allow(now) {
			s.metrics.RateLimited.Add(1)
			s.buffer.MarkProcessed(entry)
			return
		}
		entry.Screened = true
	}

	w := s.worker(item.SubscriptionID)
	if w == nil {
		s.buffer.MarkProcessed(entry)
		return
	}
	if !w.offer(item) {
		s.metrics.DispatchQueueFull.Add(1)
		s.buffer.Release(entry)
		return
	}
	s.buffer.MarkProcessed(entry)
	s.metrics.ItemsDispatched.Add(1)
}

func (s *Streamer) worker(id string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

// sweepBuffer dispatches entries that waited longer than the buffer timeout.
func (s *Streamer) sweepBuffer(now time.Time) {
	if s.paused.Load() {
		return
	}
	for _, e := range s.buffer.Sweep(now, s.cfg.BufferTimeout.Duration) {
		w := s.worker(e.Item.SubscriptionID)
		if w == nil {
			continue
		}
		if w.offerWait(s.ctx, e.Item) {
			s.metrics.BufferSwept.Add(1)
			s.metrics.ItemsDispatched.Add(1)
		}
	}
}

func (s *Streamer) sweepRetries(now time.Time) {
	if s.paused.Load() {
		return
	}
	for _, item := range s.retries.Due(now) {
		w := s.worker(item.SubscriptionID)
		if w == nil {
			continue
		}
		if !w.offer(item) {
			s.metrics.DispatchQueueFull.Add(1)
			s.retry(item, now)
			continue
		}
		s.metrics.ItemsDispatched.Add(1)
	}
}

func (s *Streamer) sweepDedup(now time.Time) {
	if n := s.dedup.Sweep(now); n > 0 {
		s.l.Debugf("dedup sweep removed %d keys", n)
	}
}

// deliver runs on the subscription's worker.
func (s *Streamer) deliver(item core.StreamItem) {
	sub, ok := s.reg.Get(item.SubscriptionID)
	if !ok {
		return
	}
	if sub.Callback != nil {
		if err := invoke(s.ctx, sub.Callback, item); err != nil {
			s.callbackFailed(sub, item, err)
			return
		}
	}
	s.metrics.ItemsDelivered.Add(1)
	s.emit(realtime.DataEvent(item))
}

func (s *Streamer) callbackFailed(sub core.Subscription, item core.StreamItem, err error) {
	s.metrics.CallbackErrors.Add(1)
	cbErr := &core.CallbackError{SubscriptionID: sub.ID, ItemID: item.ID, Err: err}
	s.l.Warnf("%v", cbErr)

	if sub.OnError != nil {
		if p := notify(sub.OnError, cbErr, item); p != nil {
			s.l.Errorf("error handler of %s panicked: %v", sub.ID, p)
		}
	}
	ev := realtime.NewEvent(realtime.EventSubscriptionError)
	ev.SubscriptionID = sub.ID
	ev.Kind = sub.Kind().String()
	ev.Error = cbErr.Error()
	s.emit(ev)

	if s.ctx.Err() != nil {
		return
	}
	s.retry(item, time.Now())
}

func (s *Streamer) retry(item core.StreamItem, now time.Time) {
	if s.retries.Fail(item, now) {
		s.metrics.RetriesScheduled.Add(1)
		return
	}
	s.metrics.RetriesExhausted.Add(1)
	s.l.Warnf("item %s of %s dropped after %d retries", item.ID, item.SubscriptionID, item.RetryCount)
}

// AddStream registers a stream and arms it when connected. Invalid sources,
// duplicate ids and additions over the cap fail with a core.ConfigError.
func (s *Streamer) AddStream(sc StreamConfig) (string, error) {
	id := sc.ID
	if id == "" {
		id = uuid.NewString()
	}

	w := newWorker(id, s.cfg.DispatchQueueSize)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", core.ErrShuttingDown
	}
	if _, exists := s.workers[id]; exists {
		s.mu.Unlock()
		return "", &core.ConfigError{ID: id, Reason: core.ReasonDuplicateID}
	}
	s.workers[id] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.deliver)
	}()
	s.mu.Unlock()

	sub := core.Subscription{
		ID:       id,
		Source:   sc.Source,
		Callback: sc.Callback,
		OnError:  sc.OnError,
		Enabled:  !sc.Disabled,
	}
	if err := s.reg.Add(s.ctx, sub); err != nil {
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
		w.close()
		return "", err
	}

	s.l.Infof("stream %s added (%s)", id, sub.Kind())
	ev := realtime.NewEvent(realtime.EventSubscriptionAdded)
	ev.SubscriptionID = id
	ev.Kind = sub.Kind().String()
	s.emit(ev)
	return id, nil
}

// RemoveStream disarms and forgets a stream. It reports whether the id was
// known.
func (s *Streamer) RemoveStream(id string) bool {
	if !s.reg.Remove(s.ctx, id) {
		return false
	}
	s.mu.Lock()
	w := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if w != nil {
		w.close()
	}
	s.retries.RemoveSubscription(id)

	s.l.Infof("stream %s removed", id)
	ev := realtime.NewEvent(realtime.EventSubscriptionRemoved)
	ev.SubscriptionID = id
	s.emit(ev)
	return true
}

// SetSubscriptionEnabled arms or disarms a stream, keeping it registered.
func (s *Streamer) SetSubscriptionEnabled(id string, enabled bool) bool {
	return s.reg.SetEnabled(s.ctx, id, enabled)
}

// UpdateStream applies p to an existing stream. A new source re-arms a live
// stream under the new filter.
func (s *Streamer) UpdateStream(id string, p StreamPatch) error {
	if _, ok := s.reg.Get(id); !ok {
		return &core.ConfigError{ID: id, Reason: "unknown subscription"}
	}
	if p.Source != nil {
		if err := s.reg.Update(s.ctx, id, p.Source); err != nil {
			return err
		}
	}
	if p.Callback != nil || p.OnError != nil {
		s.reg.SetHandlers(id, p.Callback, p.OnError)
	}
	return nil
}

// Subscription returns the desired state of a stream.
func (s *Streamer) Subscription(id string) (core.Subscription, bool) {
	return s.reg.Get(id)
}

// Pause stops dispatching. Incoming items keep filling the buffer, oldest
// evicted first, until Resume.
func (s *Streamer) Pause() {
	if s.paused.Swap(true) {
		return
	}
	s.l.Infof("streaming paused")
	s.emit(realtime.NewEvent(realtime.EventStreamingPaused))
}

// Resume restarts dispatching and hands off what was buffered while paused.
func (s *Streamer) Resume() {
	if !s.paused.Swap(false) {
		return
	}
	s.l.Infof("streaming resumed")
	s.emit(realtime.NewEvent(realtime.EventStreamingResumed))

	// Entries that do not fit a full dispatch queue stay buffered for the
	// sweep; they have not failed.
	now := time.Now()
	for _, e := range s.buffer.Unprocessed() {
		s.admit(e, now, false)
	}
}

// Paused reports whether dispatching is paused.
func (s *Streamer) Paused() bool {
	return s.paused.Load()
}

// Reconnect is the manual reconnect; it also clears an exhausted policy.
func (s *Streamer) Reconnect() {
	s.sup.Reconnect()
}

// Status returns the health summary.
func (s *Streamer) Status() Status {
	cs := s.sup.Status()
	live := s.reg.Live()
	st := Status{
		Connected:          cs.Connected,
		State:              cs.State.String(),
		URL:                cs.URL,
		ReconnectCount:     cs.ReconnectCount,
		ErrorCount:         cs.ErrorCount,
		HeartbeatLatencyMs: float64(cs.Latency) / float64(time.Millisecond),
		Paused:             s.paused.Load(),
		Exhausted:          cs.Exhausted,
		Cooling:            cs.Cooling,
	}
	if !cs.ConnectedAt.IsZero() {
		t := cs.ConnectedAt
		st.ConnectedAt = &t
	}
	if !cs.LastHeartbeatAt.IsZero() {
		t := cs.LastHeartbeatAt
		st.LastHeartbeatAt = &t
	}
	for _, sub := range s.reg.List() {
		handle := live[sub.ID]
		st.Subscriptions = append(st.Subscriptions, SubscriptionStatus{
			ID:      sub.ID,
			Kind:    sub.Kind().String(),
			Enabled: sub.Enabled,
			Live:    handle != "",
			Handle:  handle,
		})
		if sub.Enabled {
			st.ActiveSubscriptions++
		}
	}
	st.SubscriptionCount = len(st.Subscriptions)
	return st
}

// Metrics returns a snapshot of counters and gauges.
func (s *Streamer) Metrics() metrics.Snapshot {
	cs := s.sup.Status()
	return s.metrics.Snapshot(metrics.Gauges{
		BufferSize:          s.buffer.Len(),
		BufferPending:       s.buffer.Pending(),
		RetryQueueSize:      s.retries.Len(),
		DedupKeys:           s.dedup.Len(),
		Subscriptions:       s.reg.Len(),
		ActiveSubscriptions: s.reg.Enabled(),
		LiveHandles:         len(s.reg.Live()),
		Connected:           cs.Connected,
		HeartbeatLatencyMs:  float64(cs.Latency) / float64(time.Millisecond),
		ErrorCount:          cs.ErrorCount,
	})
}

// Shutdown unsubscribes every live handle, stops every goroutine and clears
// all structures. It is idempotent and safe from any state.
func (s *Streamer) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Streamer) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.l.Infof("shutting down")
	s.emit(realtime.NewEvent(realtime.EventStreamingStopped))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectionTimeout.Duration)
	s.reg.Shutdown(ctx)
	cancel()
	s.sup.Shutdown()
	s.cancel()

	s.mu.Lock()
	for id, w := range s.workers {
		w.close()
		delete(s.workers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.buffer.Clear()
	s.dedup.Clear()
	s.limiter.Clear()
	s.retries.Clear()

	s.emit(realtime.NewEvent(realtime.EventShutdown))
	s.hub.Close()
	s.l.Infof("shutdown complete")
}

// supervisor hooks

func (s *Streamer) stateChanged(old, next connection.State) {
	ev := realtime.NewEvent(realtime.EventStateChanged)
	ev.PrevState = old.String()
	ev.State = next.String()
	s.emit(ev)
}

func (s *Streamer) connected(conn transport.Conn) {
	if s.everConn.Swap(true) {
		s.metrics.Reconnects.Add(1)
	}
	s.reg.Attach(s.ctx, conn)
	ev := realtime.NewEvent(realtime.EventConnected)
	ev.URL = s.cfg.WSURL
	s.emit(ev)
}

func (s *Streamer) disconnected(err error) {
	s.reg.Detach()
	ev := realtime.NewEvent(realtime.EventDisconnected)
	ev.URL = s.cfg.WSURL
	if err != nil {
		ev.Error = err.Error()
	}
	s.emit(ev)
}

func (s *Streamer) exhausted(attempts int) {
	err := fmt.Errorf("%w after %d attempts", core.ErrReconnectExhausted, attempts)
	s.l.Errorf("%v: manual reconnect required", err)
	ev := realtime.NewEvent(realtime.EventReconnectExhausted)
	ev.Attempts = attempts
	ev.Error = err.Error()
	s.emit(ev)
}

func (s *Streamer) suspend() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectionTimeout.Duration)
	defer cancel()
	s.reg.Suspend(ctx)
}

func (s *Streamer) transportError(err error) {
	s.metrics.TransportErrors.Add(1)
	ev := realtime.NewEvent(realtime.EventError)
	ev.Error = err.Error()
	s.emit(ev)
}

func (s *Streamer) armFailed(id string, err error) {
	s.metrics.SubscriptionErrors.Add(1)
	ev := realtime.NewEvent(realtime.EventSubscriptionError)
	ev.SubscriptionID = id
	ev.Error = err.Error()
	s.emit(ev)
	s.sup.ReportError(core.NewTransportError("eth_subscribe", err))
}
