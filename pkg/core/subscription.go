package core

import "context"

// Callback consumes a dispatched item. A returned error (or a panic) sends
// the item to the retry queue.
type Callback func(ctx context.Context, item StreamItem) error

// ErrorHandler is notified of callback failures and subscription errors.
type ErrorHandler func(err error, item StreamItem)

// Subscription is the desired state of one standing request for chain
// events. It outlives connections: after every reconnect it is re-armed,
// not recreated.
type Subscription struct {
	ID       string
	Source   Source
	Callback Callback
	OnError  ErrorHandler
	Enabled  bool
}

// Kind returns the kind of the subscription's source.
func (s Subscription) Kind() Kind {
	if s.Source == nil {
		return KindUnknown
	}
	return s.Source.Kind()
}
