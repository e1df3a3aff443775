package cmd

import (
	"slices"
	"sync"
	"testing"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/stream"
)

type fakeManager struct {
	mu      sync.Mutex
	streams map[string]stream.StreamConfig
	enabled map[string]bool
	updates []string
	fail    map[string]error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		streams: make(map[string]stream.StreamConfig),
		enabled: make(map[string]bool),
		fail:    make(map[string]error),
	}
}

func (f *fakeManager) AddStream(sc stream.StreamConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[sc.ID]; err != nil {
		return "", err
	}
	f.streams[sc.ID] = sc
	f.enabled[sc.ID] = !sc.Disabled
	return sc.ID, nil
}

func (f *fakeManager) RemoveStream(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streams[id]
	delete(f.streams, id)
	delete(f.enabled, id)
	return ok
}

func (f *fakeManager) UpdateStream(id string, p stream.StreamPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc := f.streams[id]
	sc.Source = p.Source
	f.streams[id] = sc
	f.updates = append(f.updates, id)
	return nil
}

func (f *fakeManager) SetSubscriptionEnabled(id string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[id] = enabled
	return true
}

func boolPtr(b bool) *bool { return &b }

const usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func TestSubscriptionSetApply(t *testing.T) {
	mgr := newFakeManager()
	subs := newSubscriptionSet(mgr, t.TempDir(), nil)

	sum, err := subs.apply(map[string]config.SubscriptionInfo{
		"heads":   {Kind: "new_blocks"},
		"pending": {Kind: "pending_transactions", Enabled: boolPtr(false)},
		"usdc":    {Kind: "logs", Addresses: []string{usdc}},
	})
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if !slices.Equal(sum.Added, []string{"heads", "pending", "usdc"}) {
		t.Errorf("unexpected added %v", sum.Added)
	}
	if mgr.enabled["pending"] {
		t.Error("expected pending to be added disabled")
	}
	if _, ok := mgr.streams["usdc"].Source.(core.Logs); !ok {
		t.Errorf("expected logs source, got %T", mgr.streams["usdc"].Source)
	}

	sum, err = subs.apply(map[string]config.SubscriptionInfo{
		"pending": {Kind: "pending_transactions"},
		"usdc":    {Kind: "logs", Addresses: []string{usdc}, FromBlock: new(uint64)},
		"extra":   {Kind: "new_blocks"},
	})
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if !slices.Equal(sum.Removed, []string{"heads"}) {
		t.Errorf("unexpected removed %v", sum.Removed)
	}
	if !slices.Equal(sum.Added, []string{"extra"}) {
		t.Errorf("unexpected added %v", sum.Added)
	}
	if !slices.Equal(sum.Updated, []string{"usdc"}) {
		t.Errorf("unexpected updated %v", sum.Updated)
	}
	if !slices.Equal(sum.Toggled, []string{"pending"}) {
		t.Errorf("unexpected toggled %v", sum.Toggled)
	}
	if !mgr.enabled["pending"] {
		t.Error("expected pending to be enabled")
	}
	if _, ok := mgr.streams["heads"]; ok {
		t.Error("expected heads to be removed")
	}

	// Unchanged config is a no-op.
	sum, err = subs.apply(map[string]config.SubscriptionInfo{
		"pending": {Kind: "pending_transactions"},
		"usdc":    {Kind: "logs", Addresses: []string{usdc}, FromBlock: new(uint64)},
		"extra":   {Kind: "new_blocks"},
	})
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if len(sum.Added)+len(sum.Removed)+len(sum.Updated)+len(sum.Toggled) != 0 {
		t.Errorf("expected no changes, got %s", sum)
	}
	if len(mgr.updates) != 1 {
		t.Errorf("expected one update call, got %v", mgr.updates)
	}
}

func TestSubscriptionSetPartialFailure(t *testing.T) {
	mgr := newFakeManager()
	mgr.fail["broken"] = &core.ConfigError{ID: "broken", Reason: "rejected"}
	subs := newSubscriptionSet(mgr, "", nil)

	sum, err := subs.apply(map[string]config.SubscriptionInfo{
		"bad-kind": {Kind: "blocks"},
		"broken":   {Kind: "new_blocks"},
		"heads":    {Kind: "new_blocks"},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !slices.Equal(sum.Added, []string{"heads"}) {
		t.Errorf("expected only heads to be added, got %v", sum.Added)
	}

	// Failed streams are retried on the next apply.
	delete(mgr.fail, "broken")
	sum, err = subs.apply(map[string]config.SubscriptionInfo{
		"broken": {Kind: "new_blocks"},
		"heads":  {Kind: "new_blocks"},
	})
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if !slices.Equal(sum.Added, []string{"broken"}) {
		t.Errorf("expected broken to be added, got %v", sum.Added)
	}
}

func TestSameSourceIgnoresEnabled(t *testing.T) {
	a := config.SubscriptionInfo{Kind: "new_blocks", Enabled: boolPtr(true)}
	b := config.SubscriptionInfo{Kind: "new_blocks", Enabled: boolPtr(false)}
	if !sameSource(a, b) {
		t.Error("expected enabled flag to be ignored")
	}
	b.Kind = "pending_transactions"
	if sameSource(a, b) {
		t.Error("expected kind change to be detected")
	}
}
