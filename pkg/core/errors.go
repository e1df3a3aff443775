package core

import (
	"errors"
	"fmt"
)

var (
	ErrTransport          = errors.New("transport error")
	ErrNotConnected       = errors.New("not connected")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
	ErrSubscriptionConfig = errors.New("subscription config error")
	ErrDecode             = errors.New("decode error")
	ErrCallback           = errors.New("callback error")
	ErrValidation         = errors.New("validation error")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrDuplicate          = errors.New("duplicate item")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrShuttingDown       = errors.New("shutting down")
)

// TransportError is a connect, read or write failure on the node connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// NewTransportError wraps err, leaving existing transport errors untouched.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ReasonDuplicateID is the ConfigError reason for an id already registered.
const ReasonDuplicateID = "duplicate subscription id"

// ConfigError rejects a subscription synchronously. It is never retried.
type ConfigError struct {
	ID     string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return "invalid subscription: " + e.Reason
	}
	return fmt.Sprintf("invalid subscription %q: %s", e.ID, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrSubscriptionConfig
}

// CallbackError reports a failed consumer callback for one item.
type CallbackError struct {
	SubscriptionID string
	ItemID         string
	Err            error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("subscription %s: callback failed for item %s: %v", e.SubscriptionID, e.ItemID, e.Err)
}

func (e *CallbackError) Unwrap() []error {
	return []error{ErrCallback, e.Err}
}
