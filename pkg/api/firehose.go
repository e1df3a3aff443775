package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/realtime"
	"github.com/rubiojr/chainstream/pkg/storage"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsListenerBuffer = 256
	maxSnapshot      = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// InitMessage is the first frame of a firehose session. Items holds the
// requested archive snapshot, oldest first.
type InitMessage struct {
	Type  string            `json:"type"`
	Mode  string            `json:"mode"`
	Count int               `json:"count"`
	Items []core.StreamItem `json:"items"`
}

// firehoseFilter selects which hub events a session receives. Empty sets
// match everything.
type firehoseFilter struct {
	subscriptions []string
	kinds         []string
	types         []realtime.EventType
}

func parseFirehoseFilter(q url.Values) (firehoseFilter, error) {
	var f firehoseFilter
	f.subscriptions = splitValues(q["subscription"])
	for _, k := range splitValues(q["kind"]) {
		kind, err := core.ParseKind(k)
		if err != nil {
			return f, err
		}
		f.kinds = append(f.kinds, kind.String())
	}
	for _, t := range splitValues(q["type"]) {
		f.types = append(f.types, realtime.EventType(t))
	}
	return f, nil
}

// match applies subscription and kind filters to events that carry them;
// lifecycle events without a subscription pass unless types excludes them.
func (f firehoseFilter) match(ev realtime.Event) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, ev.Type) {
		return false
	}
	if len(f.subscriptions) > 0 && ev.SubscriptionID != "" && !slices.Contains(f.subscriptions, ev.SubscriptionID) {
		return false
	}
	if len(f.kinds) > 0 && ev.Kind != "" && !slices.Contains(f.kinds, ev.Kind) {
		return false
	}
	return true
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// snapshot loads up to n archived items matching f, observed after since.
func (s *Server) snapshot(f firehoseFilter, q url.Values) ([]core.StreamItem, error) {
	items := []core.StreamItem{}
	n, _ := strconv.Atoi(q.Get("snapshot"))
	if n <= 0 || s.opts.Store == nil {
		return items, nil
	}
	n = min(n, maxSnapshot)

	params := storage.SearchParams{
		Subscriptions: f.subscriptions,
		Limit:         n,
	}
	for _, k := range f.kinds {
		kind, _ := core.ParseKind(k)
		params.Kinds = append(params.Kinds, kind)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("invalid since: %w", err)
		}
		// Second precision: items within the since second were already seen.
		t = t.Truncate(time.Second).Add(time.Second)
		params.Since = &t
	}

	res, err := s.opts.Store.Search(params)
	if err != nil {
		return nil, err
	}
	items = res.Items
	slices.Reverse(items)
	return items, nil
}

// HandleFirehoseWS streams hub events as JSON text frames.
//
// Query parameters: subscription, kind and type filter events (repeatable
// or comma separated); snapshot=N sends the N newest archived items in the
// init frame, optionally only those after since (RFC 3339).
func (s *Server) HandleFirehoseWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFirehoseFilter(q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid filter", err.Error())
		return
	}
	items, err := s.snapshot(filter, q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid snapshot", err.Error())
		return
	}

	hub := s.ctrl.Events()
	// Register before the upgrade so nothing between snapshot and stream
	// is missed.
	id, events := hub.RegisterSize(wsListenerBuffer)
	defer hub.Unregister(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	s.l.Debugf("firehose session opened from %s", r.RemoteAddr)

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(InitMessage{Type: "init", Mode: "push", Count: len(items), Items: items}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.l.Debugf("firehose session from %s closed by peer", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream shut down"))
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
