package api

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/realtime"
)

func wsConnect(t *testing.T, baseURL, rawQuery string) (*websocket.Conn, InitMessage) {
	t.Helper()
	u, _ := url.Parse(baseURL)
	u.Scheme = "ws"
	u.Path = "/api/firehose/ws"
	u.RawQuery = rawQuery

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var init InitMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&init); err != nil {
		t.Fatalf("Failed to read init message: %v", err)
	}
	if init.Type != "init" || init.Mode != "push" {
		t.Fatalf("unexpected init message %+v", init)
	}
	return conn, init
}

func readEvent(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev realtime.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

func waitListeners(t *testing.T, hub *realtime.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Size() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d hub listeners", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirehosePushesEvents(t *testing.T) {
	ts, ctrl := newTestServer(t, Options{})
	conn, init := wsConnect(t, ts.URL, "")
	if init.Count != 0 {
		t.Errorf("expected empty snapshot, got %d", init.Count)
	}
	waitListeners(t, ctrl.hub, 1)

	n := uint64(9)
	ctrl.hub.Broadcast(realtime.DataEvent(core.StreamItem{
		ID: "x", Kind: core.KindNewBlocks, SubscriptionID: "heads", BlockNumber: &n,
	}))

	ev := readEvent(t, conn)
	if ev.Type != realtime.EventData || ev.Item == nil || ev.Item.ID != "x" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestFirehoseFilters(t *testing.T) {
	ts, ctrl := newTestServer(t, Options{})
	conn, _ := wsConnect(t, ts.URL, "subscription=usdc&type=data")
	waitListeners(t, ctrl.hub, 1)

	ctrl.hub.Broadcast(realtime.NewEvent(realtime.EventConnected))
	ctrl.hub.Broadcast(realtime.DataEvent(core.StreamItem{ID: "skip", Kind: core.KindNewBlocks, SubscriptionID: "heads"}))
	ctrl.hub.Broadcast(realtime.DataEvent(core.StreamItem{ID: "keep", Kind: core.KindContractEvent, SubscriptionID: "usdc"}))

	ev := readEvent(t, conn)
	if ev.Item == nil || ev.Item.ID != "keep" {
		t.Errorf("expected only the usdc data event, got %+v", ev)
	}
}

func TestFirehoseRejectsBadKind(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	u := strings.Replace(ts.URL, "http", "ws", 1) + "/api/firehose/ws?kind=nope"
	if _, _, err := websocket.DefaultDialer.Dial(u, nil); err == nil {
		t.Fatal("expected handshake to fail for an invalid kind")
	}
}

func TestFirehoseSnapshot(t *testing.T) {
	store := openStore(t)
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Minute)
	storeItems(t, store,
		blockItem("old", 1, base.Add(-10*time.Second)),
		blockItem("same-second", 2, base.Add(500*time.Millisecond)),
		blockItem("new", 3, base.Add(5*time.Second)),
	)
	ts, _ := newTestServer(t, Options{Store: store})

	_, init := wsConnect(t, ts.URL, "snapshot=10")
	if init.Count != 3 || init.Items[0].ID != "old" || init.Items[2].ID != "new" {
		t.Errorf("expected oldest first snapshot of 3, got %+v", init.Items)
	}

	since := url.QueryEscape(base.Format(time.RFC3339))
	_, init = wsConnect(t, ts.URL, "snapshot=10&since="+since)
	if init.Count != 1 || init.Items[0].ID != "new" {
		t.Errorf("expected only items after the since second, got %+v", init.Items)
	}
}

func TestFirehoseClosesOnShutdown(t *testing.T) {
	ts, ctrl := newTestServer(t, Options{})
	conn, _ := wsConnect(t, ts.URL, "")
	waitListeners(t, ctrl.hub, 1)

	ctrl.hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going away close, got %v", err)
	}
}

func TestFirehoseFilterMatch(t *testing.T) {
	f, err := parseFirehoseFilter(url.Values{"kind": {"logs"}})
	if err != nil {
		t.Fatalf("Failed to parse filter: %v", err)
	}
	if !f.match(realtime.NewEvent(realtime.EventConnected)) {
		t.Error("lifecycle events should pass kind filters")
	}
	data, _ := json.Marshal(f.kinds)
	if string(data) != `["logs"]` {
		t.Errorf("unexpected kinds %s", data)
	}
	if f.match(realtime.DataEvent(core.StreamItem{Kind: core.KindNewBlocks})) {
		t.Error("new block item should not pass a logs filter")
	}
}
