package integration_tests

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	usdcAddress   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	erc20ABI      = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`
)

// FakeNode is a JSON-RPC websocket node. Each eth_subscribe gets a handle
// named after its subscription type, so tests can push notifications to a
// given stream.
type FakeNode struct {
	t       *testing.T
	server  *httptest.Server
	mu      sync.Mutex
	conn    *websocket.Conn
	handles map[string]string
	seq     int
	// eager, when set, returns a result to notify right after answering
	// an eth_subscribe of the given type.
	eager func(kind string) any
	// silent nodes read eth_subscribe requests and never answer them.
	silent bool
}

func NewFakeNode(t *testing.T) *FakeNode {
	t.Helper()
	n := &FakeNode{t: t, handles: make(map[string]string)}
	upgrader := websocket.Upgrader{}
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		n.mu.Lock()
		n.conn = c
		n.mu.Unlock()
		n.serve(c)
	}))
	t.Cleanup(n.server.Close)
	return n
}

func (n *FakeNode) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func (n *FakeNode) serve(c *websocket.Conn) {
	for {
		var req struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		var follow map[string]any
		n.mu.Lock()
		switch req.Method {
		case "eth_subscribe":
			if n.silent {
				n.mu.Unlock()
				continue
			}
			n.seq++
			kind := fmt.Sprint(req.Params[0])
			handle := fmt.Sprintf("0x%x", 0x100+n.seq)
			n.handles[kind] = handle
			resp["result"] = handle
			if n.eager != nil {
				if result := n.eager(kind); result != nil {
					follow = notification(handle, result)
				}
			}
		case "eth_unsubscribe":
			resp["result"] = true
		case "eth_blockNumber":
			resp["result"] = "0x10"
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		err := c.WriteJSON(resp)
		if err == nil && follow != nil {
			err = c.WriteJSON(follow)
		}
		n.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// NotifyOnSubscribe makes the node push fn(kind) to every new subscription
// in the same breath as the subscribe response. A nil result sends nothing.
func (n *FakeNode) NotifyOnSubscribe(fn func(kind string) any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eager = fn
}

// IgnoreSubscribes makes the node leave eth_subscribe requests unanswered.
func (n *FakeNode) IgnoreSubscribes(ignore bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silent = ignore
}

func notification(handle string, result any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params":  map[string]any{"subscription": handle, "result": result},
	}
}

// Handle returns the handle of the latest subscription of the given type
// ("newHeads", "logs" or "newPendingTransactions").
func (n *FakeNode) Handle(kind string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handles[kind]
}

func (n *FakeNode) Notify(handle string, result any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.conn.WriteJSON(notification(handle, result))
	if err != nil {
		n.t.Fatalf("Failed to write notification: %v", err)
	}
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func pad(addr string) string {
	return "0x000000000000000000000000" + strings.TrimPrefix(addr, "0x")
}
