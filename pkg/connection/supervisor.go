package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/transport"
)

// errSuperseded ends a connect attempt overtaken by a newer one.
var errSuperseded = errors.New("connect attempt superseded")

// Config holds the supervisor settings.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	EnableErrorRecovery  bool
	MaxErrorCount        int
	ErrorCooldown        time.Duration
}

// ConfigFrom extracts the supervisor settings from a validated stream config.
func ConfigFrom(c config.StreamConfig) Config {
	return Config{
		URL:                  c.WSURL,
		ConnectTimeout:       c.ConnectionTimeout.Duration,
		ReconnectInterval:    c.ReconnectInterval.Duration,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HeartbeatInterval:    c.HeartbeatInterval.Duration,
		HeartbeatTimeout:     c.HeartbeatTimeout.Duration,
		EnableErrorRecovery:  c.EnableErrorRecovery,
		MaxErrorCount:        c.MaxErrorCount,
		ErrorCooldown:        c.ErrorCooldown.Duration,
	}
}

// Hooks are invoked outside the supervisor lock. Nil hooks are skipped.
// Hooks must not call Shutdown.
type Hooks struct {
	// OnStateChange runs for every state transition.
	OnStateChange func(old, new State)
	// OnConnected runs after every successful connect, before any
	// notification of the session is routed.
	OnConnected func(conn transport.Conn)
	// OnDisconnected runs when a session ends. err is nil for planned
	// disconnects.
	OnDisconnected func(err error)
	// OnReconnectScheduled runs when the policy schedules an attempt.
	OnReconnectScheduled func(attempt int, delay time.Duration)
	// OnExhausted runs once when the policy gives up.
	OnExhausted func(attempts int)
	// OnForcedReconnect runs when a reconnect bypasses the backoff.
	OnForcedReconnect func(reason error)
	// OnSuspend runs when error recovery trips.
	OnSuspend func()
	// OnError runs for every transport level error.
	OnError func(err error)
	// OnHeartbeat runs after every probe.
	OnHeartbeat func(latency time.Duration, err error)
}

// Status is a point in time view of the supervisor.
type Status struct {
	State           State         `json:"state"`
	Connected       bool          `json:"connected"`
	URL             string        `json:"url"`
	ConnectedAt     time.Time     `json:"connected_at"`
	ReconnectCount  int           `json:"reconnect_count"`
	Attempt         int           `json:"attempt"`
	Exhausted       bool          `json:"exhausted"`
	ErrorCount      int           `json:"error_count"`
	Cooling         bool          `json:"cooling"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	Latency         time.Duration `json:"latency"`
}

// Supervisor owns the node connection.
type Supervisor struct {
	cfg     Config
	backoff Backoff
	tr      transport.Transport
	inbound chan<- transport.Notification
	hooks   Hooks
	l       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes dial attempts.
	connectMu sync.Mutex

	mu              sync.Mutex
	state           State
	conn            transport.Conn
	session         uint64
	hb              *heartbeat
	timer           *time.Timer
	timerGen        uint64
	attempt         int
	exhausted       bool
	everConnected   bool
	connectedAt     time.Time
	reconnectCount  int
	lastHeartbeatAt time.Time
	latency         time.Duration

	recovery *Recovery
}

// NewSupervisor creates a disconnected supervisor. Notifications of every
// session are pushed to inbound.
func NewSupervisor(cfg Config, tr transport.Transport, inbound chan<- transport.Notification, hooks Hooks) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.ReconnectInterval, MaxAttempts: cfg.MaxReconnectAttempts},
		tr:      tr,
		inbound: inbound,
		hooks:   hooks,
		l:       log.ForService("connection"),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}
	s.recovery = NewRecovery(cfg.EnableErrorRecovery, cfg.MaxErrorCount, cfg.ErrorCooldown)
	s.recovery.onTrip = s.tripRecovery
	s.recovery.onExpire = func() {
		s.l.Infof("error cooldown over, forcing reconnect")
		s.forceReconnect(fmt.Errorf("error recovery cooldown expired"), true)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:           s.state,
		Connected:       s.state.Live(),
		URL:             s.cfg.URL,
		ConnectedAt:     s.connectedAt,
		ReconnectCount:  s.reconnectCount,
		Attempt:         s.attempt,
		Exhausted:       s.exhausted,
		ErrorCount:      s.recovery.Count(),
		Cooling:         s.recovery.Cooling(),
		LastHeartbeatAt: s.lastHeartbeatAt,
		Latency:         s.latency,
	}
}

// Conn returns the live session or nil.
func (s *Supervisor) Conn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// setStateLocked changes the state and returns a function emitting the
// transition. Call the function after releasing s.mu.
func (s *Supervisor) setStateLocked(next State) func() {
	old := s.state
	if old == next {
		return func() {}
	}
	s.state = next
	return func() {
		s.l.Debugf("state %s -> %s", old, next)
		if s.hooks.OnStateChange != nil {
			s.hooks.OnStateChange(old, next)
		}
	}
}

// goLocked starts fn tracked by the wait group. Requires s.mu and a state
// other than ShuttingDown.
func (s *Supervisor) goLocked(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Start connects and, on failure, hands over to the reconnection policy.
func (s *Supervisor) Start() error {
	err := s.Connect(s.ctx)
	if err != nil && !errors.Is(err, core.ErrShuttingDown) && !errors.Is(err, errSuperseded) {
		s.l.Warnf("initial connect to %s failed: %v", s.cfg.URL, err)
		s.scheduleReconnect()
	}
	return err
}

// Connect dials the node bounded by the connect timeout. On success the
// heartbeat starts and OnConnected runs. Failures are transport errors.
func (s *Supervisor) Connect(ctx context.Context) error {
	err := s.connect(ctx)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.connectMu.Lock()

	s.mu.Lock()
	switch s.state {
	case StateShuttingDown:
		s.mu.Unlock()
		s.connectMu.Unlock()
		return core.ErrShuttingDown
	case StateConnected, StateDegraded:
		s.mu.Unlock()
		s.connectMu.Unlock()
		return nil
	}
	emit := func() {}
	if s.state == StateDisconnected {
		emit = s.setStateLocked(StateConnecting)
	}
	s.session++
	session := s.session
	s.mu.Unlock()
	emit()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.tr.Dial(dialCtx, s.cfg.URL, s.inbound)
	cancel()

	s.mu.Lock()
	if s.state == StateShuttingDown || session != s.session {
		s.mu.Unlock()
		s.connectMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if s.State() == StateShuttingDown {
			return core.ErrShuttingDown
		}
		return errSuperseded
	}
	if err != nil {
		err = core.NewTransportError("connect", err)
		emit = func() {}
		if s.state == StateConnecting {
			emit = s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		s.connectMu.Unlock()
		emit()
		s.l.Debugf("connect to %s failed: %v", s.cfg.URL, err)
		s.ReportError(err)
		return err
	}

	s.conn = conn
	s.connectedAt = time.Now()
	if s.everConnected {
		s.reconnectCount++
	}
	s.everConnected = true
	s.attempt = 0
	s.exhausted = false
	hb := s.newSessionHeartbeat(conn, session)
	s.hb = hb
	emit = s.setStateLocked(StateConnected)
	s.goLocked(hb.run)
	s.goLocked(func() { s.watch(conn, session) })
	s.mu.Unlock()
	s.connectMu.Unlock()

	s.l.Infof("connected to %s", s.cfg.URL)
	emit()
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected(conn)
	}
	return nil
}

func (s *Supervisor) newSessionHeartbeat(conn transport.Conn, session uint64) *heartbeat {
	hb := newHeartbeat(s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, func(ctx context.Context) error {
		_, err := conn.BlockNumber(ctx)
		return err
	})
	hb.onSuccess = func(latency time.Duration) {
		s.mu.Lock()
		if session != s.session {
			s.mu.Unlock()
			return
		}
		s.lastHeartbeatAt = time.Now()
		s.latency = latency
		emit := func() {}
		if s.state == StateDegraded {
			emit = s.setStateLocked(StateConnected)
		}
		s.mu.Unlock()
		emit()
		if s.hooks.OnHeartbeat != nil {
			s.hooks.OnHeartbeat(latency, nil)
		}
	}
	hb.onFailure = func(err error) {
		s.mu.Lock()
		if session != s.session {
			s.mu.Unlock()
			return
		}
		emit := func() {}
		if s.state == StateConnected {
			emit = s.setStateLocked(StateDegraded)
		}
		s.mu.Unlock()
		s.l.Warnf("heartbeat probe failed: %v", err)
		emit()
		if s.hooks.OnHeartbeat != nil {
			s.hooks.OnHeartbeat(0, err)
		}
	}
	hb.escalate = func() {
		s.mu.Lock()
		current := session == s.session
		s.mu.Unlock()
		if !current {
			return
		}
		s.l.Warnf("no successful probe within %s, forcing reconnect", s.cfg.HeartbeatTimeout)
		s.forceReconnect(core.ErrHeartbeatTimeout, true)
	}
	return hb
}

// watch waits for the session to end and handles unplanned drops.
func (s *Supervisor) watch(conn transport.Conn, session uint64) {
	select {
	case <-conn.Done():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	if session != s.session || s.conn != conn {
		s.mu.Unlock()
		return
	}
	if s.hb != nil {
		s.hb.Stop()
		s.hb = nil
	}
	s.conn = nil
	emit := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	err := core.NewTransportError("read", conn.Err())
	if err == nil {
		err = core.NewTransportError("read", errors.New("connection lost"))
	}
	s.l.Warnf("connection lost: %v", err)
	emit()
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(err)
	}
	s.ReportError(err)
	s.scheduleReconnect()
}

// ReportError counts a transport level error towards error recovery.
func (s *Supervisor) ReportError(err error) {
	if err == nil || s.State() == StateShuttingDown {
		return
	}
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
	s.recovery.Record()
}

func (s *Supervisor) tripRecovery() {
	s.mu.Lock()
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	emit := func() {}
	if s.state == StateReconnecting {
		emit = s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()

	s.l.Errorf("%d transport errors, suspending subscriptions for %s", s.cfg.MaxErrorCount, s.cfg.ErrorCooldown)
	emit()
	if s.hooks.OnSuspend != nil {
		s.hooks.OnSuspend()
	}
}

// scheduleReconnect arms the next backoff attempt unless one is pending,
// recovery is cooling down or the policy is exhausted.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state.Live() || s.exhausted || s.timer != nil || s.recovery.Cooling() {
		s.mu.Unlock()
		return
	}

	if s.backoff.Exhausted(s.attempt) {
		s.exhausted = true
		attempts := s.attempt
		emit := s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.l.Errorf("giving up after %d reconnect attempts, manual reconnect required", attempts)
		emit()
		if s.hooks.OnExhausted != nil {
			s.hooks.OnExhausted(attempts)
		}
		return
	}

	attempt := s.attempt
	delay := s.backoff.Delay(attempt)
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() { s.runScheduled(gen) })
	emit := s.setStateLocked(StateReconnecting)
	s.mu.Unlock()

	s.l.Infof("reconnect attempt %d in %s", attempt+1, delay)
	emit()
	if s.hooks.OnReconnectScheduled != nil {
		s.hooks.OnReconnectScheduled(attempt, delay)
	}
}

func (s *Supervisor) runScheduled(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.attemptAndReschedule()
}

// attemptAndReschedule connects once, counting a failure against the policy.
func (s *Supervisor) attemptAndReschedule() {
	err := s.connect(s.ctx)
	if err == nil || errors.Is(err, errSuperseded) || errors.Is(err, core.ErrShuttingDown) {
		return
	}
	s.mu.Lock()
	s.attempt++
	s.mu.Unlock()
	s.scheduleReconnect()
}

// Reconnect is the manual reconnect. It clears an exhausted policy.
func (s *Supervisor) Reconnect() {
	s.forceReconnect(errors.New("manual reconnect"), false)
}

// ForceReconnect drops the current session, if any, and connects at once,
// bypassing the backoff and resetting the attempt counter.
func (s *Supervisor) ForceReconnect(reason error) {
	s.forceReconnect(reason, true)
}

func (s *Supervisor) forceReconnect(reason error, forced bool) {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempt = 0
	s.exhausted = false
	s.session++
	conn := s.conn
	s.conn = nil
	if s.hb != nil {
		s.hb.Stop()
		s.hb = nil
	}
	emit := s.setStateLocked(StateReconnecting)
	s.goLocked(s.attemptAndReschedule)
	s.mu.Unlock()

	s.l.Infof("reconnecting now: %v", reason)
	if forced && s.hooks.OnForcedReconnect != nil {
		s.hooks.OnForcedReconnect(reason)
	}
	if conn != nil {
		_ = conn.Close()
		if s.hooks.OnDisconnected != nil {
			s.hooks.OnDisconnected(reason)
		}
	}
	emit()
}

// Disconnect is a planned disconnect: no reconnect is scheduled and the
// error count is cleared.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.session++
	conn := s.conn
	s.conn = nil
	if s.hb != nil {
		s.hb.Stop()
		s.hb = nil
	}
	emit := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.recovery.Reset()
	if conn != nil {
		_ = conn.Close()
		s.l.Infof("disconnected from %s", s.cfg.URL)
		if s.hooks.OnDisconnected != nil {
			s.hooks.OnDisconnected(nil)
		}
	}
	emit()
}

// Shutdown tears everything down. Safe from any state and idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.session++
	conn := s.conn
	s.conn = nil
	if s.hb != nil {
		s.hb.Stop()
		s.hb = nil
	}
	emit := s.setStateLocked(StateShuttingDown)
	s.mu.Unlock()

	s.recovery.Stop()
	s.cancel()
	if conn != nil {
		_ = conn.Close()
		if s.hooks.OnDisconnected != nil {
			s.hooks.OnDisconnected(nil)
		}
	}
	emit()
	s.wg.Wait()
	s.l.Infof("supervisor stopped")
}
