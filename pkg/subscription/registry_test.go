package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/transport"
	"github.com/rubiojr/chainstream/pkg/transport/transporttest"
)

const transferABI = `[{"anonymous":false,"type":"event","name":"Transfer","inputs":[
  {"indexed":true,"name":"from","type":"address"},
  {"indexed":true,"name":"to","type":"address"},
  {"indexed":false,"name":"value","type":"uint256"}]}]`

func dial(t *testing.T, tr *transporttest.Transport) *transporttest.Conn {
	t.Helper()
	if _, err := tr.Dial(context.Background(), "ws://node.test", make(chan transport.Notification, 16)); err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	return tr.Current()
}

func sub(id string, src core.Source) core.Subscription {
	return core.Subscription{ID: id, Source: src, Enabled: true}
}

func liveIDs(r *Registry) []string {
	var ids []string
	for id := range r.Live() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func TestQueuedWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	for _, id := range []string{"heads", "pending", "logs"} {
		var src core.Source = core.NewBlocks{}
		switch id {
		case "pending":
			src = core.PendingTransactions{}
		case "logs":
			src = core.Logs{}
		}
		if err := r.Add(ctx, sub(id, src)); err != nil {
			t.Fatalf("Failed to add %s: %v", id, err)
		}
	}
	disabled := sub("off", core.NewBlocks{})
	disabled.Enabled = false
	if err := r.Add(ctx, disabled); err != nil {
		t.Fatalf("Failed to add disabled: %v", err)
	}
	if len(r.Live()) != 0 {
		t.Fatal("nothing may be armed without a connection")
	}

	tr := transporttest.New()
	conn := dial(t, tr)
	armed := r.Attach(ctx, conn)

	want := []string{"heads", "pending", "logs"}
	if len(armed) != len(want) {
		t.Fatalf("expected %v armed, got %v", want, armed)
	}
	for i := range want {
		if armed[i] != want[i] {
			t.Errorf("expected registration order %v, got %v", want, armed)
		}
	}
	if len(conn.Live()) != 3 {
		t.Errorf("expected 3 live handles on the node, got %d", len(conn.Live()))
	}
	for id, handle := range r.Live() {
		route, ok := r.Lookup(handle)
		if !ok || route.Subscription.ID != id {
			t.Errorf("handle %s does not route to %s", handle, id)
		}
	}
}

func TestAttachIsIdempotentPerConnection(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	tr := transporttest.New()
	conn := dial(t, tr)
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if len(conn.Subscribed()) != 1 {
		t.Fatalf("expected immediate arm, got %d subscribes", len(conn.Subscribed()))
	}

	r.SetEnabled(ctx, "heads", true)
	r.SetEnabled(ctx, "heads", true)
	if len(conn.Live()) != 1 || len(conn.Subscribed()) != 1 {
		t.Errorf("enabling twice must keep exactly one handle, got live=%d subscribed=%d",
			len(conn.Live()), len(conn.Subscribed()))
	}
}

func TestReattachAfterDrop(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	tr := transporttest.New()
	first := dial(t, tr)
	r.Attach(ctx, first)
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Add(ctx, sub(id, core.NewBlocks{})); err != nil {
			t.Fatalf("Failed to add %s: %v", id, err)
		}
	}
	r.SetEnabled(ctx, "b", false)
	before := liveIDs(r)

	first.Drop(nil)
	r.Detach()
	if len(r.Live()) != 0 {
		t.Fatal("detach must clear live handles")
	}

	second := dial(t, tr)
	r.Attach(ctx, second)
	after := liveIDs(r)
	if len(before) != len(after) {
		t.Fatalf("expected %v re-armed, got %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("expected %v re-armed, got %v", before, after)
		}
	}
	if len(second.Live()) != 2 {
		t.Errorf("expected 2 handles on the new session, got %d", len(second.Live()))
	}
}

func TestDisableEnable(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}

	if !r.SetEnabled(ctx, "heads", false) {
		t.Fatal("expected known id")
	}
	r.SetEnabled(ctx, "heads", false)
	if len(conn.Live()) != 0 || len(conn.Unsubscribed()) != 1 {
		t.Errorf("expected one unsubscribe, got %d", len(conn.Unsubscribed()))
	}
	if _, ok := r.Get("heads"); !ok {
		t.Error("disabling must keep desired state")
	}
	r.SetEnabled(ctx, "heads", true)
	if len(conn.Live()) != 1 {
		t.Errorf("expected re-armed handle, got %d", len(conn.Live()))
	}
	if r.SetEnabled(ctx, "missing", true) {
		t.Error("unknown id should report false")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if !r.Remove(ctx, "heads") {
		t.Fatal("expected remove to succeed")
	}
	if r.Remove(ctx, "heads") {
		t.Error("second remove should report false")
	}
	if len(conn.Live()) != 0 {
		t.Error("remove must disarm")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRemoveWithDeadConnection(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	conn.Drop(nil)
	if !r.Remove(ctx, "heads") {
		t.Error("disarm failure must not block removal")
	}
}

func TestAddRejections(t *testing.T) {
	ctx := context.Background()
	r := New(2)
	if err := r.Add(ctx, sub("a", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}

	tests := []struct {
		name string
		sub  core.Subscription
	}{
		{"duplicate id", sub("a", core.NewBlocks{})},
		{"missing id", sub("", core.NewBlocks{})},
		{"missing abi", sub("x", core.ContractEvent{Event: "Transfer"})},
		{"missing event", sub("x", core.ContractEvent{ABI: transferABI})},
		{"unknown event", sub("x", core.ContractEvent{ABI: transferABI, Event: "Burn"})},
		{"bad abi", sub("x", core.ContractEvent{ABI: "{", Event: "Transfer"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Add(ctx, tt.sub)
			if !errors.Is(err, core.ErrSubscriptionConfig) {
				t.Errorf("expected config error, got %v", err)
			}
		})
	}

	if err := r.Add(ctx, sub("b", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	err := r.Add(ctx, sub("c", core.NewBlocks{}))
	var ce *core.ConfigError
	if !errors.As(err, &ce) || ce.ID != "c" {
		t.Errorf("expected cap config error for c, got %v", err)
	}
}

func TestContractEventTopicDefault(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	if err := r.Add(ctx, sub("transfers", core.ContractEvent{ABI: transferABI, Event: "Transfer"})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	s, _ := r.Get("transfers")
	ce := s.Source.(core.ContractEvent)
	want := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	if len(ce.Filter.Topics) != 1 || len(ce.Filter.Topics[0]) != 1 || ce.Filter.Topics[0][0] != want {
		t.Errorf("expected Transfer topic0, got %v", ce.Filter.Topics)
	}

	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	route, ok := r.Lookup(r.Live()["transfers"])
	if !ok || route.Event == nil || route.Event.Name() != "Transfer" {
		t.Error("contract event route should carry the compiled event")
	}
}

func TestUpdateRearms(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("logs", core.Logs{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	oldHandle := r.Live()["logs"]

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if err := r.Update(ctx, "logs", core.Logs{Filter: core.Filter{Addresses: []common.Address{addr}}}); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	newHandle := r.Live()["logs"]
	if newHandle == "" || newHandle == oldHandle {
		t.Fatalf("expected a new handle, got %q (old %q)", newHandle, oldHandle)
	}
	live := conn.Live()
	if len(live) != 1 {
		t.Fatalf("expected a single live handle, got %d", len(live))
	}
	if f, _ := core.FilterOf(live[newHandle]); len(f.Addresses) != 1 || f.Addresses[0] != addr {
		t.Errorf("new handle armed with the wrong filter: %+v", f)
	}
	if err := r.Update(ctx, "missing", core.Logs{}); !errors.Is(err, core.ErrSubscriptionConfig) {
		t.Errorf("expected config error for unknown id, got %v", err)
	}
}

func TestArmErrorReported(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	var mu sync.Mutex
	var failed []string
	r.OnArmError = func(id string, err error) {
		mu.Lock()
		failed = append(failed, id)
		mu.Unlock()
	}
	tr := transporttest.New()
	tr.SetSubscribeError(errors.New("rpc error"))
	conn := dial(t, tr)
	r.Attach(ctx, conn)

	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("arm failures are not config errors: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "heads" {
		t.Errorf("expected arm failure for heads, got %v", failed)
	}
	if _, ok := r.Get("heads"); !ok {
		t.Error("failed arm must keep desired state")
	}
}

func TestResolvePendingWhileArming(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	tr := transporttest.New()
	conn := dial(t, tr)
	r.Attach(ctx, conn)

	var during struct {
		ok, pending bool
	}
	tr.OnSubscribe(func(_ *transporttest.Conn, handle string) {
		_, during.ok, during.pending = r.Resolve(handle)
	})
	armed := 0
	r.OnArmed = func() { armed++ }

	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if during.ok || !during.pending {
		t.Errorf("a handle being armed should resolve as pending, got ok=%v pending=%v", during.ok, during.pending)
	}
	if armed != 1 {
		t.Errorf("expected one armed notification, got %d", armed)
	}

	handle := r.Live()["heads"]
	if route, ok, pending := r.Resolve(handle); !ok || pending || route.Subscription.ID != "heads" {
		t.Errorf("expected heads to resolve once armed, got %v %v %v", route.Subscription.ID, ok, pending)
	}
	if _, ok, pending := r.Resolve("0xdead"); ok || pending {
		t.Error("unknown handles are not pending when nothing is being armed")
	}
}

func TestCallTimeoutBoundsSubscribe(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	r.CallTimeout = 50 * time.Millisecond
	var failures []error
	r.OnArmError = func(_ string, err error) { failures = append(failures, err) }
	armed := 0
	r.OnArmed = func() { armed++ }

	tr := transporttest.New()
	tr.HangSubscribes(true)
	conn := dial(t, tr)

	begin := time.Now()
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("subscribe was not bounded, took %s", elapsed)
	}
	if len(failures) != 1 || !errors.Is(failures[0], context.DeadlineExceeded) {
		t.Errorf("expected a deadline failure, got %v", failures)
	}
	if armed != 1 {
		t.Errorf("a failed arm still settles pending handles, got %d notifications", armed)
	}
	if _, _, pending := r.Resolve("0x1"); pending {
		t.Error("nothing should be pending after the arm gave up")
	}
}

func TestSuspend(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	for _, id := range []string{"a", "b"} {
		if err := r.Add(ctx, sub(id, core.NewBlocks{})); err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
	}
	r.Suspend(ctx)
	if len(conn.Live()) != 0 || len(r.Live()) != 0 {
		t.Error("suspend must disarm every handle")
	}
	if err := r.Add(ctx, sub("c", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	if len(conn.Live()) != 0 {
		t.Error("nothing may be armed while suspended")
	}
	if r.Len() != 3 {
		t.Errorf("suspend must keep desired state, got %d", r.Len())
	}
	r.Attach(ctx, conn)
	if len(r.Live()) != 3 {
		t.Errorf("expected 3 handles after attach, got %d", len(r.Live()))
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	r := New(10)
	conn := dial(t, transporttest.New())
	r.Attach(ctx, conn)
	if err := r.Add(ctx, sub("heads", core.NewBlocks{})); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	r.Shutdown(ctx)
	if len(conn.Unsubscribed()) != 1 {
		t.Errorf("shutdown must unsubscribe live handles, got %d", len(conn.Unsubscribed()))
	}
	if r.Len() != 0 {
		t.Error("shutdown must clear desired state")
	}
}
