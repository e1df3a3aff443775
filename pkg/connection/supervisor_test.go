package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/transport"
	"github.com/rubiojr/chainstream/pkg/transport/transporttest"
)

type recorder struct {
	mu         sync.Mutex
	states     []State
	delays     []time.Duration
	attempts   []int
	exhausted  int
	connected  int
	forced     []error
	suspended  int
	errors     int
	heartbeats int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStateChange: func(_, next State) {
			r.mu.Lock()
			r.states = append(r.states, next)
			r.mu.Unlock()
		},
		OnConnected: func(transport.Conn) {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			r.mu.Lock()
			r.attempts = append(r.attempts, attempt)
			r.delays = append(r.delays, delay)
			r.mu.Unlock()
		},
		OnExhausted: func(int) {
			r.mu.Lock()
			r.exhausted++
			r.mu.Unlock()
		},
		OnForcedReconnect: func(reason error) {
			r.mu.Lock()
			r.forced = append(r.forced, reason)
			r.mu.Unlock()
		},
		OnSuspend: func() {
			r.mu.Lock()
			r.suspended++
			r.mu.Unlock()
		},
		OnError: func(error) {
			r.mu.Lock()
			r.errors++
			r.mu.Unlock()
		},
		OnHeartbeat: func(time.Duration, error) {
			r.mu.Lock()
			r.heartbeats++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:     append([]State(nil), r.states...),
		delays:     append([]time.Duration(nil), r.delays...),
		attempts:   append([]int(nil), r.attempts...),
		exhausted:  r.exhausted,
		connected:  r.connected,
		forced:     append([]error(nil), r.forced...),
		suspended:  r.suspended,
		errors:     r.errors,
		heartbeats: r.heartbeats,
	}
}

func testConfig() Config {
	return Config{
		URL:                  "ws://node.test",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 4,
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     30 * time.Minute,
		EnableErrorRecovery:  false,
		MaxErrorCount:        10,
		ErrorCooldown:        time.Minute,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestBackoffSequence(t *testing.T) {
	b := Backoff{Base: time.Second, MaxAttempts: 5}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := b.Sequence()
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if b.Exhausted(4) {
		t.Error("attempt 4 should still be allowed")
	}
	if !b.Exhausted(5) {
		t.Error("attempt 5 should be exhausted")
	}
	if d := (Backoff{Base: time.Millisecond}).Delay(100); d <= 0 {
		t.Errorf("delay overflowed: %s", d)
	}
}

func TestStateString(t *testing.T) {
	if StateShuttingDown.String() != "shutting_down" {
		t.Errorf("unexpected name %q", StateShuttingDown.String())
	}
	if !StateDegraded.Live() || StateReconnecting.Live() {
		t.Error("only connected and degraded are live")
	}
}

func TestSupervisorConnect(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	sup := NewSupervisor(testConfig(), tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sup.State() != StateConnected {
		t.Fatalf("expected connected, got %s", sup.State())
	}
	if sup.Conn() == nil {
		t.Fatal("expected a live connection")
	}
	snap := rec.snapshot()
	if snap.connected != 1 {
		t.Errorf("expected one OnConnected, got %d", snap.connected)
	}
	if len(snap.states) != 2 || snap.states[0] != StateConnecting || snap.states[1] != StateConnected {
		t.Errorf("unexpected transitions %v", snap.states)
	}
}

func TestSupervisorConnectFailureIsTransportError(t *testing.T) {
	tr := transporttest.New()
	tr.SetDialError(errors.New("refused"))
	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), Hooks{})
	defer sup.Shutdown()

	err := sup.Start()
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if sup.State() != StateReconnecting {
		t.Errorf("expected reconnecting after failed start, got %s", sup.State())
	}
}

func TestSupervisorBackoffExhaustion(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	sup := NewSupervisor(testConfig(), tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	tr.SetDialError(errors.New("node down"))
	tr.Current().Drop(nil)

	waitFor(t, 2*time.Second, func() bool { return rec.snapshot().exhausted > 0 }, "exhaustion")
	// Give a misbehaving policy the chance to schedule more attempts.
	time.Sleep(200 * time.Millisecond)

	snap := rec.snapshot()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if len(snap.delays) != len(want) {
		t.Fatalf("expected %d scheduled attempts, got %v", len(want), snap.delays)
	}
	for i := range want {
		if snap.delays[i] != want[i] {
			t.Errorf("attempt %d: expected %s, got %s", i, want[i], snap.delays[i])
		}
	}
	if snap.exhausted != 1 {
		t.Errorf("expected exactly one exhaustion, got %d", snap.exhausted)
	}
	if tr.Dials() != 1+len(want) {
		t.Errorf("expected %d dials, got %d", 1+len(want), tr.Dials())
	}
	st := sup.Status()
	if !st.Exhausted || st.State != StateDisconnected {
		t.Errorf("unexpected status %+v", st)
	}

	// A manual reconnect clears the exhausted policy.
	tr.SetDialError(nil)
	sup.Reconnect()
	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected }, "manual reconnect")
	if sup.Status().Exhausted {
		t.Error("manual reconnect should clear exhaustion")
	}
	if sup.Status().ReconnectCount != 1 {
		t.Errorf("expected reconnect count 1, got %d", sup.Status().ReconnectCount)
	}
}

func TestSupervisorRecoversAfterTransientFailures(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	sup := NewSupervisor(testConfig(), tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	tr.FailNextDials(2)
	tr.Current().Drop(nil)

	waitFor(t, 2*time.Second, func() bool { return rec.snapshot().connected == 2 }, "reconnect")
	if got := rec.snapshot().attempts; len(got) != 3 || got[2] != 2 {
		t.Errorf("expected attempts [0 1 2], got %v", got)
	}
	if sup.Status().Attempt != 0 {
		t.Errorf("attempt counter should reset on success, got %d", sup.Status().Attempt)
	}
}

func TestSupervisorForceReconnectResetsAttempts(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first := tr.Current()
	sup.ForceReconnect(errors.New("test"))

	waitFor(t, time.Second, func() bool { return rec.snapshot().connected == 2 }, "forced reconnect")
	if !first.Closed() {
		t.Error("forced reconnect should close the old session")
	}
	if len(rec.snapshot().forced) != 1 {
		t.Errorf("expected one forced reconnect, got %d", len(rec.snapshot().forced))
	}
	if len(rec.snapshot().delays) != 0 {
		t.Error("forced reconnect must bypass the backoff")
	}
}

func TestSupervisorHeartbeatEscalation(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 5 * time.Millisecond
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rec.snapshot().heartbeats > 0 }, "first heartbeat")
	if sup.Status().LastHeartbeatAt.IsZero() {
		t.Error("successful probe should record the heartbeat time")
	}

	tr.SetProbeError(errors.New("probe failed"))
	waitFor(t, time.Second, func() bool { return len(rec.snapshot().forced) > 0 }, "forced reconnect")

	forced := rec.snapshot().forced[0]
	if !errors.Is(forced, core.ErrHeartbeatTimeout) {
		t.Errorf("expected heartbeat timeout reason, got %v", forced)
	}
	sawDegraded := false
	for _, s := range rec.snapshot().states {
		if s == StateDegraded {
			sawDegraded = true
		}
	}
	if !sawDegraded {
		t.Error("failed probe should degrade the connection")
	}
	tr.SetProbeError(nil)
	waitFor(t, time.Second, func() bool { return rec.snapshot().connected >= 2 }, "reconnect after escalation")
}

func TestSupervisorErrorRecoveryCooldown(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	cfg := testConfig()
	cfg.EnableErrorRecovery = true
	cfg.MaxErrorCount = 3
	cfg.ErrorCooldown = 50 * time.Millisecond
	cfg.MaxReconnectAttempts = 100
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		sup.ReportError(core.NewTransportError("eth_subscribe", errors.New("boom")))
	}
	if rec.snapshot().suspended != 1 {
		t.Fatalf("expected suspension after 3 errors, got %d", rec.snapshot().suspended)
	}
	if !sup.Status().Cooling {
		t.Error("expected cooldown in progress")
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot().forced) == 1 }, "cooldown expiry")
	waitFor(t, time.Second, func() bool { return rec.snapshot().connected == 2 }, "reconnect after cooldown")
	if sup.Status().ErrorCount != 0 {
		t.Errorf("cooldown should reset the error count, got %d", sup.Status().ErrorCount)
	}
}

func TestSupervisorNoReconnectWhileCooling(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	cfg := testConfig()
	cfg.EnableErrorRecovery = true
	cfg.MaxErrorCount = 1
	cfg.ErrorCooldown = time.Hour
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	tr.SetDialError(errors.New("down"))
	tr.Current().Drop(nil)

	waitFor(t, time.Second, func() bool { return rec.snapshot().suspended == 1 }, "suspension")
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.snapshot().delays); n != 0 {
		t.Errorf("no reconnect may be scheduled while cooling, got %d", n)
	}
}

func TestSupervisorDisconnectIsPlanned(t *testing.T) {
	tr := transporttest.New()
	rec := &recorder{}
	sup := NewSupervisor(testConfig(), tr, make(chan transport.Notification, 8), rec.hooks())
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sup.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if sup.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", sup.State())
	}
	if len(rec.snapshot().delays) != 0 {
		t.Error("planned disconnect must not schedule a reconnect")
	}
	if tr.Dials() != 1 {
		t.Errorf("expected a single dial, got %d", tr.Dials())
	}
}

func TestSupervisorShutdown(t *testing.T) {
	tr := transporttest.New()
	sup := NewSupervisor(testConfig(), tr, make(chan transport.Notification, 8), Hooks{})

	if err := sup.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	conn := tr.Current()
	sup.Shutdown()
	sup.Shutdown()

	if sup.State() != StateShuttingDown {
		t.Errorf("expected shutting_down, got %s", sup.State())
	}
	if !conn.Closed() {
		t.Error("shutdown should close the session")
	}
	if err := sup.Connect(t.Context()); !errors.Is(err, core.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	sup.ForceReconnect(errors.New("late"))
	time.Sleep(30 * time.Millisecond)
	if tr.Dials() != 1 {
		t.Errorf("no dial may happen after shutdown, got %d", tr.Dials())
	}
}

func TestSupervisorShutdownWhileReconnecting(t *testing.T) {
	tr := transporttest.New()
	tr.SetDialError(errors.New("down"))
	cfg := testConfig()
	cfg.ReconnectInterval = time.Millisecond
	cfg.MaxReconnectAttempts = 1000
	sup := NewSupervisor(cfg, tr, make(chan transport.Notification, 8), Hooks{})

	_ = sup.Start()
	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung")
	}
}
