package evm

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/ethereum/go-ethereum/common"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
var ErrReorgDetected = errors.New("reorg detected")

// NormalizedEvent is a decoded contract log in the game's canonical shape.
// Delivery is at-least-once: the same (TxHash, LogIndex) may be seen again
// after a reorganization or a resubscribe.
type NormalizedEvent struct {
	Type        contracts.EventType
	Family      contracts.Family
	Binding     string
	Contract    string
	Name        string
	Args        map[string]any
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
	Removed     bool
	ObservedAt  time.Time
}

// ID identifies the log that produced the event.
func (e NormalizedEvent) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// PlainArgs renders decoded arguments with JSON-friendly values: addresses
// and hashes as hex, integers as decimal strings.
func (e NormalizedEvent) PlainArgs() map[string]any {
	out := make(map[string]any, len(e.Args))
	for k, v := range e.Args {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case []byte:
		return common.Bytes2Hex(x)
	case [32]byte:
		return common.Hash(x).Hex()
	default:
		return v
	}
}
