// Package transport is the node connection used by the streaming core.
//
// A Transport dials a node and returns a Conn multiplexing every
// subscription of the session. Subscription notifications are pushed onto
// the inbound channel handed to Dial, which is shared across reconnects so
// a single consumer loop sees every notification in arrival order.
//
// The WebSocket implementation speaks Ethereum JSON-RPC:
//
//	eth_subscribe ["newHeads"]                   -> NewBlocks
//	eth_subscribe ["newPendingTransactions"]     -> PendingTransactions
//	eth_subscribe ["logs", {address, topics}]    -> Logs, ContractEvent
//	eth_unsubscribe [handle]
//	eth_blockNumber                              -> liveness probe
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

// Notification is one raw subscription notification.
type Notification struct {
	// Handle is the node assigned subscription id.
	Handle     string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Transport dials node connections.
type Transport interface {
	Dial(ctx context.Context, url string, inbound chan<- Notification) (Conn, error)
}

// Conn is one live node session.
type Conn interface {
	// Subscribe arms src and returns the node assigned handle.
	Subscribe(ctx context.Context, src core.Source) (string, error)
	Unsubscribe(ctx context.Context, handle string) error
	// BlockNumber fetches the latest block number. Used as the heartbeat probe.
	BlockNumber(ctx context.Context) (uint64, error)
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err returns the reason the session ended, nil while it is alive.
	Err() error
	Close() error
}
