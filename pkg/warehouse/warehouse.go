// Package warehouse persists what the streamer dispatches and mirrors its
// events to other processes.
//
// A Warehouse listens on the streamer's event hub. Data events are
// batched into the item archive (flushed on size or interval); every
// event is optionally re-published as NDJSON on a Unix socket.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/realtime"
	"github.com/rubiojr/chainstream/pkg/storage"
)

// listenerBuffer is the hub buffer of the warehouse listener. It is large
// so bursts between flushes are not dropped.
const listenerBuffer = 4096

type Config struct {
	FlushInterval    time.Duration
	BatchSize        int
	OptimizeInterval time.Duration
	// EventSocketPath enables the NDJSON bridge when set.
	EventSocketPath string
}

// ConfigFrom builds the warehouse configuration from the daemon config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		FlushInterval:    c.Archive.FlushInterval.Duration,
		BatchSize:        c.Archive.BatchSize,
		OptimizeInterval: c.Archive.OptimizeInterval.Duration,
		EventSocketPath:  c.EventSocketPath,
	}
}

// Stats counts archive activity since Start.
type Stats struct {
	Stored        uint64 `json:"stored"`
	Failed        uint64 `json:"failed"`
	Flushes       uint64 `json:"flushes"`
	Pending       int    `json:"pending"`
	BridgeClients int    `json:"bridge_clients"`
}

type Warehouse struct {
	config Config
	store  *storage.Store
	hub    *realtime.Hub
	bridge *eventBridge
	l      *log.Logger

	mu       sync.Mutex
	pending  []core.StreamItem
	running  bool
	listener uint64
	cancel   context.CancelFunc
	done     chan struct{}

	stored  atomic.Uint64
	failed  atomic.Uint64
	flushes atomic.Uint64
}

// New creates a warehouse reading from hub. store may be nil when the
// archive is disabled, leaving only the bridge.
func New(cfg Config, store *storage.Store, hub *realtime.Hub) *Warehouse {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	w := &Warehouse{
		config: cfg,
		store:  store,
		hub:    hub,
		l:      log.ForService("warehouse"),
	}
	if cfg.EventSocketPath != "" {
		w.bridge = newEventBridge(cfg.EventSocketPath)
	}
	return w
}

// Start registers on the hub and begins archiving. A bridge that fails to
// start is logged and skipped; archiving still runs.
func (w *Warehouse) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("warehouse is already running")
	}
	if w.store == nil && w.bridge == nil {
		return errors.New("warehouse has neither an archive nor an event socket")
	}

	if w.bridge != nil {
		if err := w.bridge.start(); err != nil {
			w.l.Warnf("failed to start event bridge on %s: %v", w.config.EventSocketPath, err)
			w.bridge = nil
		} else {
			w.l.Infof("event bridge listening on %s", w.config.EventSocketPath)
		}
	}

	id, events := w.hub.RegisterSize(listenerBuffer)
	ctx, cancel := context.WithCancel(ctx)
	w.listener = id
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx, events)

	w.l.Infof("warehouse started (archive=%v, flush every %v or %d items, optimize interval %v)",
		w.store != nil, w.config.FlushInterval, w.config.BatchSize, w.config.OptimizeInterval)
	return nil
}

func (w *Warehouse) run(ctx context.Context, events <-chan realtime.Event) {
	defer close(w.done)

	flush := time.NewTicker(w.config.FlushInterval)
	defer flush.Stop()

	var optimize <-chan time.Time
	if w.store != nil && w.config.OptimizeInterval > 0 {
		t := time.NewTicker(w.config.OptimizeInterval)
		defer t.Stop()
		optimize = t.C
	}

	defer func() {
		if err := w.Flush(); err != nil {
			w.l.Errorf("final flush failed: %v", err)
		}
		if w.bridge != nil {
			w.bridge.stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Hub closed: the streamer shut down.
				return
			}
			w.handle(ev)
		case <-flush.C:
			if err := w.Flush(); err != nil {
				w.l.Errorf("flush failed: %v", err)
			}
		case <-optimize:
			w.optimize()
		}
	}
}

func (w *Warehouse) handle(ev realtime.Event) {
	if w.bridge != nil {
		w.bridge.publish(ev)
	}
	if ev.Type != realtime.EventData || ev.Item == nil || w.store == nil {
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, *ev.Item)
	full := len(w.pending) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			w.l.Errorf("flush failed: %v", err)
		}
	}
}

// Flush writes pending items to the archive. Items of a failed flush are
// dropped and counted as failed.
func (w *Warehouse) Flush() error {
	if w.store == nil {
		return nil
	}

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	n, err := w.store.StoreItems(batch)
	w.flushes.Add(1)
	if err != nil {
		w.failed.Add(uint64(len(batch)))
		return fmt.Errorf("archiving %d items: %w", len(batch), err)
	}
	w.stored.Add(uint64(n))
	w.l.Debugf("archived %d items in %v", n, time.Since(start))
	return nil
}

func (w *Warehouse) optimize() {
	w.l.Debugf("optimizing archive")
	if err := w.store.Optimize(); err != nil {
		w.l.Warnf("optimize failed: %v", err)
	}
	if err := w.store.WALCheckpoint(); err != nil {
		w.l.Warnf("WAL checkpoint failed: %v", err)
	}
}

// Stop unregisters from the hub, flushes what is pending and closes the
// bridge. It does not close the store.
func (w *Warehouse) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.hub.Unregister(w.listener)
	w.l.Infof("warehouse stopped (%d items archived)", w.stored.Load())
}

// Wait blocks until the warehouse loop exits, either through Stop, context
// cancellation or the hub closing.
func (w *Warehouse) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Warehouse) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Warehouse) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	bridge := w.bridge
	w.mu.Unlock()

	s := Stats{
		Stored:  w.stored.Load(),
		Failed:  w.failed.Load(),
		Flushes: w.flushes.Load(),
		Pending: pending,
	}
	if bridge != nil {
		s.BridgeClients = bridge.size()
	}
	return s
}
