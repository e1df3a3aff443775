package stream

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rubiojr/chainstream/pkg/core"
)

// worker runs the callbacks of one subscription, in order, off the read
// path. Its queue is bounded; a full queue is reported to the caller, never
// waited on by the consumer loop.
type worker struct {
	id    string
	queue chan core.StreamItem
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newWorker(id string, size int) *worker {
	return &worker{
		id:    id,
		queue: make(chan core.StreamItem, size),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *worker) run(deliver func(core.StreamItem)) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case item := <-w.queue:
			deliver(item)
		}
	}
}

// offer queues item without blocking.
func (w *worker) offer(item core.StreamItem) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.queue <- item:
		return true
	default:
		return false
	}
}

// offerWait queues item, waiting for room until ctx ends or the worker stops.
func (w *worker) offerWait(ctx context.Context, item core.StreamItem) bool {
	select {
	case w.queue <- item:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// close stops the worker. Queued items are discarded. It does not wait for
// a running callback.
func (w *worker) close() {
	w.once.Do(func() { close(w.stop) })
}

// invoke calls cb, turning a panic into an error.
func invoke(ctx context.Context, cb core.Callback, item core.StreamItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v\n%s", r, debug.Stack())
		}
	}()
	return cb(ctx, item)
}

// notify calls the error handler, ignoring its panics.
func notify(h core.ErrorHandler, err error, item core.StreamItem) (panicked any) {
	defer func() {
		panicked = recover()
	}()
	h(err, item)
	return nil
}
