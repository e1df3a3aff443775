// Package core holds the types shared by every stage of the stream: sources,
// subscriptions, items and errors.
//
// Deduplication is per subscription. Two subscriptions that receive the
// same transaction or block each get their own copy. Within a subscription
// the key is finer than transaction hash or block number plus kind: it also
// carries the event name, the log index, the removed flag of reorged logs
// and the block hash, so reorged blocks and distinct logs of a transaction
// are never suppressed as duplicates.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// StreamItem is one normalized unit of data delivered to a subscription.
type StreamItem struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	SubscriptionID string          `json:"subscription_id"`
	Timestamp      time.Time       `json:"timestamp"`
	BlockNumber    *uint64         `json:"block_number,omitempty"`
	BlockHash      string          `json:"block_hash,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	LogIndex       *uint           `json:"log_index,omitempty"`
	Event          string          `json:"event,omitempty"`
	Removed        bool            `json:"removed,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Decoded        map[string]any  `json:"decoded,omitempty"`
	DecodeError    string          `json:"decode_error,omitempty"`
	RetryCount     int             `json:"retry_count"`
}

// DedupKey returns the fingerprint used by the deduplication window.
//
// Items carrying a transaction hash are keyed by hash and kind, falling
// back to block number and kind, then to a hash of the payload. Log items
// include their log index and removed flag, block keys include the block
// hash. Keys are scoped to the owning subscription, so nothing is
// suppressed across subscriptions.
func (i StreamItem) DedupKey() string {
	var b strings.Builder
	b.WriteString(i.SubscriptionID)
	b.WriteByte('|')

	kind := i.Kind.String()
	if i.Event != "" {
		kind += ":" + i.Event
	}

	switch {
	case i.TxHash != "":
		b.WriteString("tx:")
		b.WriteString(strings.ToLower(i.TxHash))
		b.WriteByte('|')
		b.WriteString(kind)
		if i.LogIndex != nil {
			b.WriteByte('#')
			b.WriteString(strconv.FormatUint(uint64(*i.LogIndex), 10))
		}
		if i.Removed {
			b.WriteString("|removed")
		}
	case i.BlockNumber != nil:
		b.WriteString("block:")
		b.WriteString(strconv.FormatUint(*i.BlockNumber, 10))
		b.WriteByte('|')
		b.WriteString(kind)
		if i.BlockHash != "" {
			b.WriteByte('|')
			b.WriteString(strings.ToLower(i.BlockHash))
		}
	case len(i.Payload) > 0:
		sum := sha256.Sum256(i.Payload)
		b.WriteString("payload:")
		b.WriteString(hex.EncodeToString(sum[:]))
	default:
		b.WriteString("id:")
		b.WriteString(i.ID)
	}
	return b.String()
}

// Summary returns a one line description of the item for logs and CLI output.
func (i StreamItem) Summary() string {
	var parts []string
	if i.Event != "" {
		parts = append(parts, i.Event)
	} else {
		parts = append(parts, i.Kind.String())
	}
	if i.BlockNumber != nil {
		parts = append(parts, "block "+strconv.FormatUint(*i.BlockNumber, 10))
	}
	if i.TxHash != "" {
		parts = append(parts, "tx "+shortHash(i.TxHash))
	}
	if i.Removed {
		parts = append(parts, "(removed)")
	}
	if i.DecodeError != "" {
		parts = append(parts, "decode error: "+i.DecodeError)
	}
	return strings.Join(parts, " ")
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}
