package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/decoder"
	"github.com/rubiojr/chainstream/pkg/subscription"
	"github.com/rubiojr/chainstream/pkg/transport"
)

// errOutOfRange marks logs outside the subscription's block range.
var errOutOfRange = errors.New("log outside subscription block range")

type rpcHeader struct {
	Number     *hexutil.Uint64 `json:"number"`
	Hash       string          `json:"hash"`
	ParentHash string          `json:"parentHash"`
	Timestamp  *hexutil.Uint64 `json:"timestamp"`
}

type rpcLog struct {
	Address     string          `json:"address"`
	Topics      []string        `json:"topics"`
	Data        hexutil.Bytes   `json:"data"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	BlockHash   string          `json:"blockHash"`
	TxHash      string          `json:"transactionHash"`
	LogIndex    *hexutil.Uint   `json:"logIndex"`
	Removed     bool            `json:"removed"`
}

type rpcTx struct {
	Hash string `json:"hash"`
}

// route turns one notification into a stream item for its subscription.
// Malformed payloads fail with core.ErrValidation. Decode failures of
// contract events do not fail: they are attached to the item.
func route(n transport.Notification, r subscription.Route) (core.StreamItem, error) {
	sub := r.Subscription
	item := core.StreamItem{
		ID:             uuid.NewString(),
		Kind:           sub.Kind(),
		SubscriptionID: sub.ID,
		Timestamp:      n.ReceivedAt.UTC(),
		Payload:        n.Payload,
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}

	switch src := sub.Source.(type) {
	case core.NewBlocks:
		return routeHeader(item, n.Payload)
	case core.PendingTransactions:
		return routePendingTx(item, n.Payload)
	case core.Logs:
		item, _, err := routeLog(item, n.Payload, src.Filter)
		return item, err
	case core.ContractEvent:
		item, lg, err := routeLog(item, n.Payload, src.Filter)
		if err != nil {
			return item, err
		}
		decodeInto(&item, r.Event, lg)
		return item, nil
	default:
		return item, fmt.Errorf("%w: subscription %s has no routable source", core.ErrValidation, sub.ID)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrValidation, fmt.Sprintf(format, args...))
}

func routeHeader(item core.StreamItem, payload json.RawMessage) (core.StreamItem, error) {
	var h rpcHeader
	if err := json.Unmarshal(payload, &h); err != nil {
		return item, invalid("block header: %v", err)
	}
	if h.Number == nil {
		return item, invalid("block header without number")
	}
	hash, ok := cleanHash(h.Hash)
	if !ok {
		return item, invalid("block header hash %q", h.Hash)
	}
	number := uint64(*h.Number)
	item.BlockNumber = &number
	item.BlockHash = hash
	if h.Timestamp != nil {
		item.Timestamp = time.Unix(int64(*h.Timestamp), 0).UTC()
	}
	return item, nil
}

func routePendingTx(item core.StreamItem, payload json.RawMessage) (core.StreamItem, error) {
	var raw string
	if err := json.Unmarshal(payload, &raw); err != nil {
		// Some nodes send full transaction objects.
		var tx rpcTx
		if err := json.Unmarshal(payload, &tx); err != nil {
			return item, invalid("pending transaction: %v", err)
		}
		raw = tx.Hash
	}
	hash, ok := cleanHash(raw)
	if !ok {
		return item, invalid("pending transaction hash %q", raw)
	}
	item.TxHash = hash
	return item, nil
}

func routeLog(item core.StreamItem, payload json.RawMessage, f core.Filter) (core.StreamItem, decoder.Log, error) {
	var lg rpcLog
	if err := json.Unmarshal(payload, &lg); err != nil {
		return item, decoder.Log{}, invalid("log: %v", err)
	}
	if !common.IsHexAddress(lg.Address) {
		return item, decoder.Log{}, invalid("log address %q", lg.Address)
	}
	topics := make([]common.Hash, 0, len(lg.Topics))
	for _, t := range lg.Topics {
		if _, ok := cleanHash(t); !ok {
			return item, decoder.Log{}, invalid("log topic %q", t)
		}
		topics = append(topics, common.HexToHash(t))
	}
	if lg.TxHash != "" {
		hash, ok := cleanHash(lg.TxHash)
		if !ok {
			return item, decoder.Log{}, invalid("log transaction hash %q", lg.TxHash)
		}
		item.TxHash = hash
	}
	if lg.BlockHash != "" {
		hash, ok := cleanHash(lg.BlockHash)
		if !ok {
			return item, decoder.Log{}, invalid("log block hash %q", lg.BlockHash)
		}
		item.BlockHash = hash
	}
	if lg.BlockNumber != nil {
		number := uint64(*lg.BlockNumber)
		if !f.InRange(number) {
			return item, decoder.Log{}, errOutOfRange
		}
		item.BlockNumber = &number
	}
	if lg.LogIndex != nil {
		idx := uint(*lg.LogIndex)
		item.LogIndex = &idx
	}
	item.Removed = lg.Removed
	return item, decoder.Log{Topics: topics, Data: lg.Data}, nil
}

func decodeInto(item *core.StreamItem, ev *decoder.Event, lg decoder.Log) {
	if ev == nil {
		item.DecodeError = "no compiled event for subscription"
		return
	}
	item.Event = ev.Name()
	args, err := ev.Decode(lg)
	if err != nil {
		item.DecodeError = fmt.Errorf("%w: %w", core.ErrDecode, err).Error()
		return
	}
	item.Decoded = args
}

// cleanHash validates a 32 byte hex value and returns it lower cased.
func cleanHash(s string) (string, bool) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return "", false
	}
	return hexutil.Encode(b), true
}
