package storage

import (
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

func openStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chainstream.db"), Options{CompressPayloads: compress})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return s
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func blockItem(id string, n uint64, at time.Time) core.StreamItem {
	return core.StreamItem{
		ID:             id,
		Kind:           core.KindNewBlocks,
		SubscriptionID: "heads",
		Timestamp:      at,
		BlockNumber:    &n,
		BlockHash:      "0x00000000000000000000000000000000000000000000000000000000000000aa",
		Payload:        json.RawMessage(`{"number":"0x10"}`),
	}
}

func transferItem(id string, at time.Time) core.StreamItem {
	n := uint64(20)
	idx := uint(4)
	return core.StreamItem{
		ID:             id,
		Kind:           core.KindContractEvent,
		SubscriptionID: "usdc",
		Timestamp:      at,
		BlockNumber:    &n,
		TxHash:         "0x00000000000000000000000000000000000000000000000000000000000000bb",
		LogIndex:       &idx,
		Event:          "Transfer",
		Removed:        true,
		Payload:        json.RawMessage(`{"data":"0x01"}`),
		Decoded:        map[string]any{"value": "1000000", "from": "0x1111111111111111111111111111111111111111"},
	}
}

func TestStoreAndGet(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s := openStore(t, compress)
		in := transferItem("a", base)

		n, err := s.StoreItems([]core.StreamItem{in})
		if err != nil {
			t.Fatalf("Failed to store items: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 stored item, got %d", n)
		}

		out, err := s.Get("a")
		if err != nil {
			t.Fatalf("Failed to get item: %v", err)
		}
		if out.Kind != core.KindContractEvent || out.Event != "Transfer" || !out.Removed {
			t.Errorf("unexpected item %+v", out)
		}
		if out.BlockNumber == nil || *out.BlockNumber != 20 || out.LogIndex == nil || *out.LogIndex != 4 {
			t.Errorf("unexpected block/log index %v %v", out.BlockNumber, out.LogIndex)
		}
		if string(out.Payload) != `{"data":"0x01"}` {
			t.Errorf("payload not preserved (compress=%v): %s", compress, out.Payload)
		}
		if out.Decoded["value"] != "1000000" {
			t.Errorf("decoded args not preserved: %v", out.Decoded)
		}
		if !out.Timestamp.Equal(base) {
			t.Errorf("expected timestamp %v, got %v", base, out.Timestamp)
		}
	}
}

func TestStoreSkipsDuplicates(t *testing.T) {
	s := openStore(t, true)
	items := []core.StreamItem{blockItem("a", 1, base), blockItem("b", 2, base)}
	if _, err := s.StoreItems(items); err != nil {
		t.Fatalf("Failed to store items: %v", err)
	}
	n, err := s.StoreItems(items)
	if err != nil {
		t.Fatalf("Failed to re-store items: %v", err)
	}
	if n != 0 {
		t.Errorf("expected duplicates to be skipped, stored %d", n)
	}

	res, err := s.Search(SearchParams{Query: "heads"})
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("expected 2 indexed items, got %d", res.Count)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, false)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := openStore(t, true)
	var items []core.StreamItem
	for i := range 5 {
		items = append(items, blockItem("block-"+string(rune('a'+i)), uint64(100+i), base.Add(time.Duration(i)*time.Minute)))
	}
	items = append(items, transferItem("transfer", base.Add(time.Hour)))
	if _, err := s.StoreItems(items); err != nil {
		t.Fatalf("Failed to store items: %v", err)
	}

	t.Run("full text", func(t *testing.T) {
		res, err := s.Search(SearchParams{Query: "Transfer"})
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if res.Count != 1 || res.Items[0].ID != "transfer" {
			t.Errorf("unexpected results %+v", res.Items)
		}
	})

	t.Run("decoded argument", func(t *testing.T) {
		res, err := s.Search(SearchParams{Query: "1000000"})
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if res.Count != 1 {
			t.Errorf("expected 1 result, got %d", res.Count)
		}
	})

	t.Run("newest first with paging", func(t *testing.T) {
		res, err := s.Search(SearchParams{Kinds: []core.Kind{core.KindNewBlocks}, Limit: 2})
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if res.Count != 2 || !res.HasMore {
			t.Fatalf("expected a full first page, got %d more=%v", res.Count, res.HasMore)
		}
		if *res.Items[0].BlockNumber != 104 || *res.Items[1].BlockNumber != 103 {
			t.Errorf("unexpected order %d %d", *res.Items[0].BlockNumber, *res.Items[1].BlockNumber)
		}

		last, err := s.Search(SearchParams{Kinds: []core.Kind{core.KindNewBlocks}, Limit: 2, Page: 3})
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if last.Count != 1 || last.HasMore {
			t.Errorf("expected a last page of 1, got %d more=%v", last.Count, last.HasMore)
		}
	})

	t.Run("subscription and time range", func(t *testing.T) {
		since := base.Add(2 * time.Minute)
		until := base.Add(3 * time.Minute)
		res, err := s.Search(SearchParams{Subscriptions: []string{"heads"}, Since: &since, Until: &until})
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if res.Count != 2 {
			t.Errorf("expected 2 results in range, got %d", res.Count)
		}
	})
}

func TestStats(t *testing.T) {
	s := openStore(t, false)
	items := []core.StreamItem{blockItem("a", 1, base), blockItem("b", 2, base.Add(time.Minute)), transferItem("c", base.Add(time.Hour))}
	items[1].DecodeError = "decode error: boom"
	if _, err := s.StoreItems(items); err != nil {
		t.Fatalf("Failed to store items: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalItems != 3 || stats.Removed != 1 || stats.DecodeErrors != 1 {
		t.Errorf("unexpected totals %+v", stats)
	}
	if stats.PerKind["new_blocks"] != 2 || stats.PerSubscription["usdc"] != 1 {
		t.Errorf("unexpected breakdown %v %v", stats.PerKind, stats.PerSubscription)
	}
	if stats.Oldest == nil || !stats.Oldest.Equal(base) || !stats.Newest.Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected range %v %v", stats.Oldest, stats.Newest)
	}
}

func TestMaintenance(t *testing.T) {
	s := openStore(t, false)
	for name, fn := range map[string]func() error{
		"optimize":   s.Optimize,
		"analyze":    s.Analyze,
		"checkpoint": s.WALCheckpoint,
	} {
		if err := fn(); err != nil {
			t.Errorf("%s failed: %v", name, err)
		}
	}
}

func TestParseSearchParams(t *testing.T) {
	v := url.Values{
		"q":            {"Transfer"},
		"kind":         {"logs,contract_event"},
		"subscription": {"usdc", "dai"},
		"limit":        {"5"},
		"until":        {"2025-03-01"},
	}
	p, err := ParseSearchParams(v)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if p.Query != "Transfer" || len(p.Kinds) != 2 || len(p.Subscriptions) != 2 || p.Limit != 5 || p.Page != 1 {
		t.Errorf("unexpected params %+v", p)
	}
	if p.Until == nil || p.Until.Hour() != 23 {
		t.Errorf("expected until to cover the whole day, got %v", p.Until)
	}

	for _, bad := range []url.Values{
		{"kind": {"blocks?"}},
		{"limit": {"-1"}},
		{"page": {"x"}},
		{"since": {"yesterday"}},
	} {
		if _, err := ParseSearchParams(bad); err == nil {
			t.Errorf("expected error for %v", bad)
		}
	}
}

func TestEscapeFTS5Query(t *testing.T) {
	tests := map[string]string{
		"Transfer":             "Transfer",
		"event:Transfer":       "event:Transfer",
		"usdc-transfers":       `"usdc-transfers"`,
		`"already quoted-one"`: `"already quoted-one"`,
		"  spaced   out ":      "spaced out",
	}
	for in, want := range tests {
		if got := escapeFTS5Query(in); got != want {
			t.Errorf("escapeFTS5Query(%q) = %q, want %q", in, got, want)
		}
	}
}
