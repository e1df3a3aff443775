// Package decoder turns raw contract logs into named event arguments using
// the contract ABI.
//
// An Event is compiled once per subscription and reused for every log:
//
//	ev, err := decoder.Compile(erc20ABI, "Transfer")
//	args, err := ev.Decode(decoder.Log{Topics: topics, Data: data})
//	// args["from"], args["to"], args["value"]
//
// Values are normalized for JSON: integers wider than 64 bits become
// decimal strings, addresses and byte arrays become 0x prefixed hex.
package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNoTopics      = errors.New("log has no topics")
	ErrEventMismatch = errors.New("log signature does not match event")
)

// Log is the part of a raw log the decoder needs.
type Log struct {
	Topics []common.Hash
	Data   []byte
}

// Event decodes logs of a single ABI event.
type Event struct {
	event   abi.Event
	indexed abi.Arguments
}

// Compile parses abiJSON and selects eventName. The name may be given either
// as the plain name or the full signature, e.g. "Transfer(address,address,uint256)".
func Compile(abiJSON, eventName string) (*Event, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing abi: %w", err)
	}

	ev, ok := parsed.Events[eventName]
	if !ok {
		found := false
		for _, candidate := range parsed.Events {
			if candidate.Sig == eventName || candidate.RawName == eventName {
				ev, found = candidate, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("event %q not found in abi", eventName)
		}
	}

	e := &Event{event: ev}
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			e.indexed = append(e.indexed, arg)
		}
	}
	return e, nil
}

// Name returns the event name.
func (e *Event) Name() string {
	return e.event.RawName
}

// ID returns the event signature hash, the first topic of non anonymous events.
func (e *Event) ID() common.Hash {
	return e.event.ID
}

// Anonymous reports whether the event omits its signature topic.
func (e *Event) Anonymous() bool {
	return e.event.Anonymous
}

// Decode unpacks indexed arguments from the topics and the rest from data.
func (e *Event) Decode(l Log) (map[string]any, error) {
	topics := l.Topics
	if !e.event.Anonymous {
		if len(topics) == 0 {
			return nil, ErrNoTopics
		}
		if topics[0] != e.event.ID {
			return nil, fmt.Errorf("%w: got %s, want %s", ErrEventMismatch, topics[0].Hex(), e.event.ID.Hex())
		}
		topics = topics[1:]
	}

	out := make(map[string]any, len(e.event.Inputs))
	if len(e.event.Inputs.NonIndexed()) > 0 {
		if err := e.event.Inputs.UnpackIntoMap(out, l.Data); err != nil {
			return nil, fmt.Errorf("unpacking data: %w", err)
		}
	}
	if len(e.indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(out, e.indexed, topics); err != nil {
			return nil, fmt.Errorf("unpacking topics: %w", err)
		}
	}

	for k, v := range out {
		out[k] = Normalize(v)
	}
	return out, nil
}

// Normalize converts ABI decoded values into JSON friendly ones.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if val == nil {
			return nil
		}
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case string, bool, uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		return normalizeList(rv)
	case reflect.Slice:
		return normalizeList(rv)
	case reflect.Struct:
		m := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag := f.Tag.Get("json"); tag != "" && tag != "-" {
				name = strings.Split(tag, ",")[0]
			}
			m[name] = Normalize(rv.Field(i).Interface())
		}
		return m
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return v
}

func normalizeList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = Normalize(rv.Index(i).Interface())
	}
	return out
}
