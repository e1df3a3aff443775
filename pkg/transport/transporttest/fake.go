// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/transport"
)

// ErrDropped is the default session error used by Conn.Drop.
var ErrDropped = errors.New("connection dropped")

// Transport hands out in-memory connections. Dials fail while a dial error
// is set.
type Transport struct {
	mu         sync.Mutex
	dialErr    error
	failDials  int
	dials      int
	conns      []*Conn
	handleSeq  int
	subErr     error
	probeErr   error
	dialDelay  time.Duration
	dialNotify chan struct{}
	onSub      func(c *Conn, handle string)
	hangSubs   bool
}

func New() *Transport {
	return &Transport{dialNotify: make(chan struct{}, 64)}
}

// SetDialError makes every dial fail with err until cleared with nil.
func (t *Transport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// FailNextDials makes the next n dials fail.
func (t *Transport) FailNextDials(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failDials = n
}

// SetDialDelay delays every dial by d, honoring context cancellation.
func (t *Transport) SetDialDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialDelay = d
}

// SetSubscribeError makes Subscribe fail on new connections.
func (t *Transport) SetSubscribeError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subErr = err
	for _, c := range t.conns {
		c.mu.Lock()
		c.subErr = err
		c.mu.Unlock()
	}
}

// OnSubscribe runs fn after a handle is issued and before Subscribe
// returns it, the way a node may push a notification ahead of the
// subscribe response being handled.
func (t *Transport) OnSubscribe(fn func(c *Conn, handle string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSub = fn
}

// HangSubscribes makes Subscribe wait for its context instead of answering.
func (t *Transport) HangSubscribes(hang bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangSubs = hang
}

// SetProbeError makes BlockNumber fail on all connections, current and new.
func (t *Transport) SetProbeError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probeErr = err
	for _, c := range t.conns {
		c.mu.Lock()
		c.probeErr = err
		c.mu.Unlock()
	}
}

// Dials returns the number of dial attempts, failed ones included.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// DialAttempted receives one value per dial attempt.
func (t *Transport) DialAttempted() <-chan struct{} {
	return t.dialNotify
}

// Current returns the most recently established connection.
func (t *Transport) Current() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conns returns every established connection in dial order.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

func (t *Transport) Dial(ctx context.Context, url string, inbound chan<- transport.Notification) (transport.Conn, error) {
	t.mu.Lock()
	t.dials++
	delay := t.dialDelay
	err := t.dialErr
	if err == nil && t.failDials > 0 {
		t.failDials--
		err = fmt.Errorf("dial %s: connection refused", url)
	}
	t.mu.Unlock()

	select {
	case t.dialNotify <- struct{}{}:
	default:
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, core.NewTransportError("dial", ctx.Err())
		}
	}
	if err != nil {
		return nil, core.NewTransportError("dial", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Conn{
		t:        t,
		url:      url,
		inbound:  inbound,
		live:     make(map[string]core.Source),
		done:     make(chan struct{}),
		subErr:   t.subErr,
		probeErr: t.probeErr,
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *Transport) nextHandle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handleSeq++
	return fmt.Sprintf("0x%x", t.handleSeq)
}

// Conn is an in-memory session recording every call made against it.
type Conn struct {
	t       *Transport
	url     string
	inbound chan<- transport.Notification

	mu           sync.Mutex
	live         map[string]core.Source
	subscribed   []string
	unsubscribed []string
	probes       int
	subErr       error
	probeErr     error
	blockNumber  uint64
	err          error
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) Subscribe(ctx context.Context, src core.Source) (string, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return "", core.NewTransportError("eth_subscribe", err)
	}
	if c.subErr != nil {
		err := c.subErr
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	c.t.mu.Lock()
	hook, hang := c.t.onSub, c.t.hangSubs
	c.t.mu.Unlock()
	if hang {
		select {
		case <-ctx.Done():
			return "", core.NewTransportError("eth_subscribe", ctx.Err())
		case <-c.done:
			return "", core.NewTransportError("eth_subscribe", c.Err())
		}
	}

	handle := c.t.nextHandle()
	c.mu.Lock()
	c.live[handle] = src
	c.subscribed = append(c.subscribed, handle)
	c.mu.Unlock()
	if hook != nil {
		hook(c, handle)
	}
	return handle, nil
}

func (c *Conn) Unsubscribe(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return core.NewTransportError("eth_unsubscribe", c.err)
	}
	if _, ok := c.live[handle]; !ok {
		return fmt.Errorf("unknown subscription %s", handle)
	}
	delete(c.live, handle)
	c.unsubscribed = append(c.unsubscribed, handle)
	return nil
}

func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	if c.err != nil {
		return 0, core.NewTransportError("eth_blockNumber", c.err)
	}
	if c.probeErr != nil {
		return 0, c.probeErr
	}
	c.blockNumber++
	return c.blockNumber, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.end(errors.New("connection closed"))
	return nil
}

// Drop ends the session as if the node went away.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = ErrDropped
	}
	c.end(core.NewTransportError("read", err))
}

func (c *Conn) end(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.live = make(map[string]core.Source)
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether the session ended.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Live returns the currently armed handles and their sources.
func (c *Conn) Live() map[string]core.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.Source, len(c.live))
	for h, s := range c.live {
		out[h] = s
	}
	return out
}

// Subscribed returns every handle ever issued on this connection, in order.
func (c *Conn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// Unsubscribed returns every handle released on this connection, in order.
func (c *Conn) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// Probes returns the number of liveness probes received.
func (c *Conn) Probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

// Push delivers payload as a notification for handle. Payloads that are
// not json.RawMessage or []byte are marshaled.
func (c *Conn) Push(handle string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = data
	}
	select {
	case c.inbound <- transport.Notification{Handle: handle, Payload: raw, ReceivedAt: time.Now()}:
		return nil
	case <-c.done:
		return c.Err()
	case <-time.After(5 * time.Second):
		return errors.New("inbound channel full")
	}
}
