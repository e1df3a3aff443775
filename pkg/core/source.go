package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies the category of chain events a subscription receives.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNewBlocks
	KindPendingTransactions
	KindLogs
	KindContractEvent
)

var kindNames = map[Kind]string{
	KindNewBlocks:           "new_blocks",
	KindPendingTransactions: "pending_transactions",
	KindLogs:                "logs",
	KindContractEvent:       "contract_event",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a configuration string to a Kind. A few aliases are
// accepted so configs can use either style.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new_blocks", "newblocks", "blocks", "newheads":
		return KindNewBlocks, nil
	case "pending_transactions", "pendingtransactions", "pending":
		return KindPendingTransactions, nil
	case "logs", "log_filter", "logfilter":
		return KindLogs, nil
	case "contract_event", "decodedcontractevent", "event":
		return KindContractEvent, nil
	}
	return KindUnknown, fmt.Errorf("unknown subscription kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Filter narrows log based subscriptions. Addresses and Topics are sent to
// the node; the block range is enforced locally because eth_subscribe has no
// notion of it.
type Filter struct {
	Addresses []common.Address
	// Topics follows eth_getLogs semantics: position i matches any of
	// Topics[i], an empty position matches anything.
	Topics    [][]common.Hash
	FromBlock *uint64
	ToBlock   *uint64
}

// InRange reports whether a block number falls inside the filter's range.
func (f Filter) InRange(block uint64) bool {
	if f.FromBlock != nil && block < *f.FromBlock {
		return false
	}
	if f.ToBlock != nil && block > *f.ToBlock {
		return false
	}
	return true
}

// Source is the sealed set of subscription variants. Each variant carries
// only the fields relevant to it.
type Source interface {
	Kind() Kind
	isSource()
}

// NewBlocks receives every new block header.
type NewBlocks struct{}

// PendingTransactions receives hashes of transactions entering the mempool.
type PendingTransactions struct{}

// Logs receives raw logs matching Filter.
type Logs struct {
	Filter Filter
}

// ContractEvent receives logs matching Filter decoded as Event using ABI
// (the contract ABI in JSON form).
type ContractEvent struct {
	Filter Filter
	ABI    string
	Event  string
}

func (NewBlocks) Kind() Kind           { return KindNewBlocks }
func (PendingTransactions) Kind() Kind { return KindPendingTransactions }
func (Logs) Kind() Kind                { return KindLogs }
func (ContractEvent) Kind() Kind       { return KindContractEvent }

func (NewBlocks) isSource()           {}
func (PendingTransactions) isSource() {}
func (Logs) isSource()                {}
func (ContractEvent) isSource()       {}

// FilterOf returns the filter carried by log based sources.
func FilterOf(s Source) (Filter, bool) {
	switch v := s.(type) {
	case Logs:
		return v.Filter, true
	case ContractEvent:
		return v.Filter, true
	}
	return Filter{}, false
}

// ValidateSource checks the kind specific requirements of a source.
func ValidateSource(s Source) error {
	switch v := s.(type) {
	case nil:
		return fmt.Errorf("missing source")
	case NewBlocks, PendingTransactions:
		return nil
	case Logs:
		return validateFilter(v.Filter)
	case ContractEvent:
		if strings.TrimSpace(v.ABI) == "" {
			return fmt.Errorf("contract event subscription requires an ABI")
		}
		if strings.TrimSpace(v.Event) == "" {
			return fmt.Errorf("contract event subscription requires an event name")
		}
		return validateFilter(v.Filter)
	default:
		return fmt.Errorf("unsupported source %T", s)
	}
}

func validateFilter(f Filter) error {
	if f.FromBlock != nil && f.ToBlock != nil && *f.FromBlock > *f.ToBlock {
		return fmt.Errorf("from block %d is after to block %d", *f.FromBlock, *f.ToBlock)
	}
	return nil
}
