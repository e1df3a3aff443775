package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
)

// ErrClosed is the session error after a local Close.
var ErrClosed = errors.New("connection closed")

const defaultWriteTimeout = 10 * time.Second

// WebSocket dials JSON-RPC nodes over gorilla/websocket.
type WebSocket struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func NewWebSocket() *WebSocket {
	return &WebSocket{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     defaultWriteTimeout,
	}
}

func (w *WebSocket) Dial(ctx context.Context, url string, inbound chan<- Notification) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: w.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, w.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, core.NewTransportError("dial", err)
	}

	writeTimeout := w.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &rpcConn{
		ws:           ws,
		inbound:      inbound,
		writeTimeout: writeTimeout,
		pending:      make(map[uint64]chan rpcMessage),
		done:         make(chan struct{}),
		l:            log.ForService("transport"),
	}
	go c.readLoop()
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type rpcMessage struct {
	ID     *uint64             `json:"id,omitempty"`
	Method string              `json:"method,omitempty"`
	Params *subscriptionParams `json:"params,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *rpcError           `json:"error,omitempty"`
}

type rpcConn struct {
	ws           *websocket.Conn
	inbound      chan<- Notification
	writeTimeout time.Duration
	writeMu      sync.Mutex
	nextID       atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan rpcMessage
	err     error

	done      chan struct{}
	closeOnce sync.Once
	l         *log.Logger
}

func (c *rpcConn) Done() <-chan struct{} { return c.done }

func (c *rpcConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *rpcConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.fail(ErrClosed)
	return nil
}

// fail ends the session once, waking every pending call.
func (c *rpcConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan rpcMessage)
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *rpcConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(core.NewTransportError("read", err))
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.l.Debugf("ignoring malformed frame: %v", err)
			continue
		}

		if msg.Method == "eth_subscription" && msg.Params != nil {
			n := Notification{
				Handle:     msg.Params.Subscription,
				Payload:    msg.Params.Result,
				ReceivedAt: time.Now(),
			}
			select {
			case c.inbound <- n:
			case <-c.done:
				return
			}
			continue
		}

		if msg.ID == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *rpcConn) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, core.NewTransportError(method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		terr := core.NewTransportError("write", err)
		c.fail(terr)
		return nil, terr
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, core.NewTransportError(method, ctx.Err())
	case <-c.done:
		return nil, core.NewTransportError(method, c.Err())
	}
}

func (c *rpcConn) Subscribe(ctx context.Context, src core.Source) (string, error) {
	params, err := SubscribeParams(src)
	if err != nil {
		return "", err
	}
	res, err := c.call(ctx, "eth_subscribe", params...)
	if err != nil {
		return "", err
	}
	var handle string
	if err := json.Unmarshal(res, &handle); err != nil {
		return "", fmt.Errorf("decoding subscription id: %w", err)
	}
	return handle, nil
}

func (c *rpcConn) Unsubscribe(ctx context.Context, handle string) error {
	res, err := c.call(ctx, "eth_unsubscribe", handle)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil {
		return fmt.Errorf("decoding unsubscribe result: %w", err)
	}
	if !ok {
		return fmt.Errorf("node did not recognize subscription %s", handle)
	}
	return nil
}

func (c *rpcConn) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(res, &n); err != nil {
		return 0, fmt.Errorf("decoding block number: %w", err)
	}
	return uint64(n), nil
}

// SubscribeParams builds the eth_subscribe parameters for a source.
func SubscribeParams(src core.Source) ([]any, error) {
	switch s := src.(type) {
	case core.NewBlocks:
		return []any{"newHeads"}, nil
	case core.PendingTransactions:
		return []any{"newPendingTransactions"}, nil
	case core.Logs:
		return []any{"logs", logCriteria(s.Filter)}, nil
	case core.ContractEvent:
		return []any{"logs", logCriteria(s.Filter)}, nil
	default:
		return nil, fmt.Errorf("unsupported source %T", src)
	}
}

func logCriteria(f core.Filter) map[string]any {
	criteria := map[string]any{}
	switch len(f.Addresses) {
	case 0:
	case 1:
		criteria["address"] = f.Addresses[0]
	default:
		criteria["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		topics := make([]any, len(f.Topics))
		for i, position := range f.Topics {
			switch len(position) {
			case 0:
				topics[i] = nil
			case 1:
				topics[i] = position[0]
			default:
				topics[i] = append([]common.Hash(nil), position...)
			}
		}
		criteria["topics"] = topics
	}
	return criteria
}
