package connection

import (
	"context"
	"sync"
	"time"
)

// heartbeat probes one session. A failed probe arms an escalation timer of
// the probe timeout; a successful probe disarms it. When the timer fires
// escalate is called and the heartbeat stops.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	probe    func(ctx context.Context) error

	onSuccess func(latency time.Duration)
	onFailure func(err error)
	escalate  func()

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newHeartbeat(interval, timeout time.Duration, probe func(ctx context.Context) error) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &heartbeat{
		interval:  interval,
		timeout:   timeout,
		probe:     probe,
		onSuccess: func(time.Duration) {},
		onFailure: func(error) {},
		escalate:  func() {},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop is idempotent and does not wait for the loop to exit.
func (h *heartbeat) Stop() {
	h.once.Do(h.cancel)
}

func (h *heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var escalation *time.Timer
	var escalationC <-chan time.Time
	defer func() {
		if escalation != nil {
			escalation.Stop()
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-escalationC:
			if h.ctx.Err() != nil {
				return
			}
			h.escalate()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
			start := time.Now()
			err := h.probe(ctx)
			cancel()
			if h.ctx.Err() != nil {
				return
			}
			if err == nil {
				if escalation != nil {
					escalation.Stop()
					escalation, escalationC = nil, nil
				}
				h.onSuccess(time.Since(start))
				continue
			}
			h.onFailure(err)
			if escalation == nil {
				escalation = time.NewTimer(h.timeout)
				escalationC = escalation.C
			}
		}
	}
}
