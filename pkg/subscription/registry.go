// Package subscription keeps the desired set of subscriptions and arms them
// against the live node connection.
//
// Desired state survives reconnects. Every time a connection is attached,
// each enabled subscription is armed once, in registration order. Arm and
// disarm RPCs are serialized so an enabled subscription never holds more
// than one live handle.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/decoder"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/transport"
)

// DefaultMaxSubscriptions caps the registry when no limit is given.
const DefaultMaxSubscriptions = 100

// Route is what the router needs to turn a notification into an item.
type Route struct {
	Subscription core.Subscription
	// Event is set for contract event subscriptions.
	Event *decoder.Event
}

type entry struct {
	sub    core.Subscription
	event  *decoder.Event
	handle string
}

// Registry is safe for concurrent use.
type Registry struct {
	max int
	l   *log.Logger

	// OnArmError is called, outside any lock, when arming a subscription
	// fails. The subscription stays desired and is retried on the next
	// attach.
	OnArmError func(id string, err error)

	// OnArmed is called, outside any lock, whenever an eth_subscribe
	// completes, successfully or not. Handles that Resolve reported as
	// pending are settled by then.
	OnArmed func()

	// CallTimeout bounds each subscribe and unsubscribe RPC. Zero leaves
	// the caller's context as the only bound.
	CallTimeout time.Duration

	// armMu serializes arm and disarm RPCs.
	armMu sync.Mutex

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	handles   map[string]string
	conn      transport.Conn
	gen       uint64
	suspended bool
	// arming counts eth_subscribe calls whose handle is not recorded yet.
	arming int
}

// New returns an empty registry holding at most max subscriptions.
func New(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxSubscriptions
	}
	return &Registry{
		max:     max,
		l:       log.ForService("registry"),
		entries: make(map[string]*entry),
		handles: make(map[string]string),
	}
}

type armFailure struct {
	id  string
	err error
}

func (r *Registry) report(failures []armFailure) {
	for _, f := range failures {
		r.l.Warnf("arming %s failed: %v", f.id, f.err)
		if r.OnArmError != nil {
			r.OnArmError(f.id, f.err)
		}
	}
}

// prepare validates a source and compiles its decoder. Contract events
// without topics are narrowed to the event signature.
func prepare(id string, src core.Source) (core.Source, *decoder.Event, error) {
	if err := core.ValidateSource(src); err != nil {
		return nil, nil, &core.ConfigError{ID: id, Reason: err.Error()}
	}
	ce, ok := src.(core.ContractEvent)
	if !ok {
		return src, nil, nil
	}
	ev, err := decoder.Compile(ce.ABI, ce.Event)
	if err != nil {
		return nil, nil, &core.ConfigError{ID: id, Reason: err.Error()}
	}
	if len(ce.Filter.Topics) == 0 && !ev.Anonymous() {
		ce.Filter.Topics = [][]common.Hash{{ev.ID()}}
	}
	return ce, ev, nil
}

// Add stores sub as desired state and arms it right away when a connection
// is attached. Invalid sources, duplicate ids and additions over the cap
// are rejected with a ConfigError.
func (r *Registry) Add(ctx context.Context, sub core.Subscription) error {
	if sub.ID == "" {
		return &core.ConfigError{Reason: "missing subscription id"}
	}
	src, ev, err := prepare(sub.ID, sub.Source)
	if err != nil {
		return err
	}
	sub.Source = src

	r.armMu.Lock()
	r.mu.Lock()
	if _, exists := r.entries[sub.ID]; exists {
		r.mu.Unlock()
		r.armMu.Unlock()
		return &core.ConfigError{ID: sub.ID, Reason: core.ReasonDuplicateID}
	}
	if len(r.entries) >= r.max {
		r.mu.Unlock()
		r.armMu.Unlock()
		return &core.ConfigError{ID: sub.ID, Reason: fmt.Sprintf("subscription limit of %d reached", r.max)}
	}
	r.entries[sub.ID] = &entry{sub: sub, event: ev}
	r.order = append(r.order, sub.ID)
	r.mu.Unlock()

	var failures []armFailure
	if sub.Enabled {
		if err := r.arm(ctx, sub.ID); err != nil {
			failures = append(failures, armFailure{sub.ID, err})
		}
	}
	r.armMu.Unlock()

	r.l.Debugf("added %s (%s)", sub.ID, sub.Kind())
	r.report(failures)
	return nil
}

// Remove disarms and forgets a subscription. It reports whether the id was
// known.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.armMu.Lock()
	defer r.armMu.Unlock()

	r.mu.Lock()
	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	r.disarm(ctx, id)

	r.mu.Lock()
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.l.Debugf("removed %s", id)
	return true
}

// SetEnabled arms or disarms a subscription without touching its desired
// state. It is idempotent and reports whether the id was known.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) bool {
	r.armMu.Lock()
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.armMu.Unlock()
		return false
	}
	e.sub.Enabled = enabled
	r.mu.Unlock()

	var failures []armFailure
	if enabled {
		if err := r.arm(ctx, id); err != nil {
			failures = append(failures, armFailure{id, err})
		}
	} else {
		r.disarm(ctx, id)
	}
	r.armMu.Unlock()

	r.report(failures)
	return true
}

// Update replaces the source of a subscription. A live subscription is
// disarmed and re-armed under the new filter.
func (r *Registry) Update(ctx context.Context, id string, src core.Source) error {
	src, ev, err := prepare(id, src)
	if err != nil {
		return err
	}

	r.armMu.Lock()
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.armMu.Unlock()
		return &core.ConfigError{ID: id, Reason: "unknown subscription"}
	}
	live := e.handle != ""
	r.mu.Unlock()

	if live {
		r.disarm(ctx, id)
	}
	r.mu.Lock()
	e.sub.Source = src
	e.event = ev
	enabled := e.sub.Enabled
	r.mu.Unlock()

	var failures []armFailure
	if live && enabled {
		if err := r.arm(ctx, id); err != nil {
			failures = append(failures, armFailure{id, err})
		}
	}
	r.armMu.Unlock()

	r.report(failures)
	return nil
}

// SetHandlers swaps the callback and error handler of a subscription.
func (r *Registry) SetHandlers(id string, cb core.Callback, onErr core.ErrorHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if cb != nil {
		e.sub.Callback = cb
	}
	if onErr != nil {
		e.sub.OnError = onErr
	}
	return true
}

// Get returns the desired state of a subscription.
func (r *Registry) Get(id string) (core.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return core.Subscription{}, false
	}
	return e.sub, true
}

// List returns every subscription in registration order.
func (r *Registry) List() []core.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].sub)
	}
	return out
}

// Len returns the number of desired subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Enabled returns the number of enabled subscriptions.
func (r *Registry) Enabled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.sub.Enabled {
			n++
		}
	}
	return n
}

// Lookup resolves a node handle to its subscription.
func (r *Registry) Lookup(handle string) (Route, bool) {
	route, ok, _ := r.Resolve(handle)
	return route, ok
}

// Resolve is Lookup for the router. When the handle is unknown, pending
// reports whether an eth_subscribe is still in flight, in which case the
// handle may be recorded once it completes. The node can push the first
// notification of a subscription before its subscribe response is handled.
func (r *Registry) Resolve(handle string) (route Route, ok bool, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.handles[handle]
	if !ok {
		return Route{}, false, r.arming > 0
	}
	e := r.entries[id]
	return Route{Subscription: e.sub, Event: e.event}, true, false
}

// Live returns the live handle of every armed subscription, keyed by id.
func (r *Registry) Live() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.handles))
	for h, id := range r.handles {
		out[id] = h
	}
	return out
}

// Attach makes conn the current connection and arms every enabled
// subscription in registration order. It returns the ids armed.
func (r *Registry) Attach(ctx context.Context, conn transport.Conn) []string {
	r.armMu.Lock()
	r.mu.Lock()
	r.conn = conn
	r.gen++
	r.suspended = false
	r.clearHandlesLocked()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	var armed []string
	var failures []armFailure
	for _, id := range ids {
		r.mu.Lock()
		e, ok := r.entries[id]
		enabled := ok && e.sub.Enabled
		r.mu.Unlock()
		if !enabled {
			continue
		}
		if err := r.arm(ctx, id); err != nil {
			failures = append(failures, armFailure{id, err})
			continue
		}
		armed = append(armed, id)
	}
	r.armMu.Unlock()

	r.l.Infof("armed %d of %d subscriptions", len(armed), len(ids))
	r.report(failures)
	return armed
}

// Detach forgets the current connection and its handles without any RPC.
// Used when the session is already gone.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
	r.gen++
	r.clearHandlesLocked()
}

// Suspend disarms every live handle but keeps the connection and desired
// state. Nothing is armed again until the next Attach.
func (r *Registry) Suspend(ctx context.Context) {
	r.armMu.Lock()
	defer r.armMu.Unlock()

	r.mu.Lock()
	r.suspended = true
	ids := make([]string, 0, len(r.handles))
	for _, id := range r.order {
		if r.entries[id].handle != "" {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.disarm(ctx, id)
	}
	r.l.Infof("suspended %d subscriptions", len(ids))
}

// Shutdown disarms everything, forgets the connection and clears desired
// state.
func (r *Registry) Shutdown(ctx context.Context) {
	r.Suspend(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
	r.gen++
	r.clearHandlesLocked()
	r.entries = make(map[string]*entry)
	r.order = nil
}

func (r *Registry) clearHandlesLocked() {
	for _, e := range r.entries {
		e.handle = ""
	}
	r.handles = make(map[string]string)
}

func (r *Registry) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.CallTimeout)
}

// arm subscribes id on the current connection. It is a no-op when the
// subscription is already live, disabled, or no connection is attached.
// Requires armMu.
func (r *Registry) arm(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.sub.Enabled || e.handle != "" || r.conn == nil || r.suspended {
		r.mu.Unlock()
		return nil
	}
	conn, gen, src := r.conn, r.gen, e.sub.Source
	r.arming++
	r.mu.Unlock()

	cctx, cancel := r.callContext(ctx)
	handle, err := conn.Subscribe(cctx, src)
	cancel()

	r.mu.Lock()
	r.arming--
	stale := gen != r.gen || r.entries[id] != e
	if err == nil && !stale {
		e.handle = handle
		r.handles[handle] = id
	}
	r.mu.Unlock()
	if r.OnArmed != nil {
		r.OnArmed()
	}

	if err != nil {
		return err
	}
	if stale {
		cctx, cancel := r.callContext(ctx)
		_ = conn.Unsubscribe(cctx, handle)
		cancel()
		return nil
	}
	r.l.Debugf("armed %s as %s", id, handle)
	return nil
}

// disarm releases the live handle of id, if any. Failures are logged.
// Requires armMu.
func (r *Registry) disarm(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.handle == "" {
		r.mu.Unlock()
		return
	}
	handle, conn := e.handle, r.conn
	e.handle = ""
	delete(r.handles, handle)
	r.mu.Unlock()

	if conn == nil {
		return
	}
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	if err := conn.Unsubscribe(ctx, handle); err != nil {
		r.l.Warnf("disarming %s (%s) failed: %v", id, handle, err)
		return
	}
	r.l.Debugf("disarmed %s (%s)", id, handle)
}
