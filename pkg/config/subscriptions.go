package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rubiojr/chainstream/pkg/core"
)

// SubscriptionInfo is the TOML form of one subscription.
//
//	[subscriptions.usdc-transfers]
//	kind = "contract_event"
//	addresses = ["0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"]
//	topics = [["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"]]
//	abi_file = "erc20.json"
//	event = "Transfer"
type SubscriptionInfo struct {
	Kind      string     `toml:"kind"`
	Enabled   *bool      `toml:"enabled,omitempty"`
	Addresses []string   `toml:"addresses,omitempty"`
	Topics    [][]string `toml:"topics,omitempty"`
	FromBlock *uint64    `toml:"from_block,omitempty"`
	ToBlock   *uint64    `toml:"to_block,omitempty"`
	ABI       string     `toml:"abi,omitempty"`
	ABIFile   string     `toml:"abi_file,omitempty"`
	Event     string     `toml:"event,omitempty"`
}

// IsEnabled defaults to true when the enabled key is absent.
func (s SubscriptionInfo) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Source converts the TOML form into a core source. Relative abi_file paths
// are resolved against baseDir.
func (s SubscriptionInfo) Source(baseDir string) (core.Source, error) {
	kind, err := core.ParseKind(s.Kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case core.KindNewBlocks:
		return core.NewBlocks{}, nil
	case core.KindPendingTransactions:
		return core.PendingTransactions{}, nil
	}

	filter, err := s.filter()
	if err != nil {
		return nil, err
	}
	if kind == core.KindLogs {
		return core.Logs{Filter: filter}, nil
	}

	abiJSON := s.ABI
	if abiJSON == "" && s.ABIFile != "" {
		path := s.ABIFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading abi file: %w", err)
		}
		abiJSON = string(data)
	}
	return core.ContractEvent{Filter: filter, ABI: abiJSON, Event: s.Event}, nil
}

func (s SubscriptionInfo) filter() (core.Filter, error) {
	f := core.Filter{FromBlock: s.FromBlock, ToBlock: s.ToBlock}
	for _, a := range s.Addresses {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			return f, fmt.Errorf("invalid address %q", a)
		}
		f.Addresses = append(f.Addresses, common.HexToAddress(a))
	}
	for i, position := range s.Topics {
		hashes := make([]common.Hash, 0, len(position))
		for _, t := range position {
			t = strings.TrimSpace(t)
			if len(strings.TrimPrefix(t, "0x")) != 2*common.HashLength {
				return f, fmt.Errorf("invalid topic %q at position %d", t, i)
			}
			hashes = append(hashes, common.HexToHash(t))
		}
		f.Topics = append(f.Topics, hashes)
	}
	return f, nil
}
