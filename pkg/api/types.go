package api

import (
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/stream"
	"github.com/rubiojr/chainstream/pkg/warehouse"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type StatusResponse struct {
	stream.Status
	Version string           `json:"version"`
	Archive *warehouse.Stats `json:"archive,omitempty"`
}

type ListStreamsResponse struct {
	Streams []stream.SubscriptionStatus `json:"streams"`
	Count   int                         `json:"count"`
}

// StreamRequest describes a stream in POST and PUT bodies. It mirrors a
// [subscriptions.<id>] config section.
type StreamRequest struct {
	ID        string     `json:"id,omitempty"`
	Kind      string     `json:"kind"`
	Enabled   *bool      `json:"enabled,omitempty"`
	Addresses []string   `json:"addresses,omitempty"`
	Topics    [][]string `json:"topics,omitempty"`
	FromBlock *uint64    `json:"from_block,omitempty"`
	ToBlock   *uint64    `json:"to_block,omitempty"`
	ABI       string     `json:"abi,omitempty"`
	ABIFile   string     `json:"abi_file,omitempty"`
	Event     string     `json:"event,omitempty"`
}

func (r StreamRequest) info() config.SubscriptionInfo {
	return config.SubscriptionInfo{
		Kind:      r.Kind,
		Enabled:   r.Enabled,
		Addresses: r.Addresses,
		Topics:    r.Topics,
		FromBlock: r.FromBlock,
		ToBlock:   r.ToBlock,
		ABI:       r.ABI,
		ABIFile:   r.ABIFile,
		Event:     r.Event,
	}
}

type StreamResponse struct {
	ID     string                     `json:"id"`
	Stream *stream.SubscriptionStatus `json:"stream,omitempty"`
}

type ActionResponse struct {
	Status string `json:"status"`
}
