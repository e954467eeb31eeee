package evm

import (
	"fmt"
	"time"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns raw logs from tracked contracts into normalized events.
type Decoder struct {
	registry *contracts.Registry
	now      func() time.Time
}

// NewDecoder builds a decoder over one network's registry.
func NewDecoder(registry *contracts.Registry) *Decoder {
	return &Decoder{registry: registry, now: time.Now}
}

// Registry returns the registry the decoder resolves addresses against.
func (d *Decoder) Registry() *contracts.Registry { return d.registry }

// Decode resolves the log's contract and event. It reports false, without an
// error, for logs from unknown contracts and events outside the normalized set.
func (d *Decoder) Decode(log types.Log) (*NormalizedEvent, bool, error) {
	binding, ok := d.registry.Lookup(log.Address)
	if !ok {
		return nil, false, nil
	}
	if len(log.Topics) == 0 {
		return nil, false, nil
	}
	contractABI := contracts.ABIFor(binding.Family)
	if contractABI == nil {
		return nil, false, nil
	}
	ev, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, false, nil
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, false, fmt.Errorf("parse topics %s.%s: %w", binding.Name, ev.Name, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		return nil, false, fmt.Errorf("unpack data %s.%s: %w", binding.Name, ev.Name, err)
	}

	evType, ok := contracts.Classify(binding.Family, ev.Name, args)
	if !ok {
		return nil, false, nil
	}

	return &NormalizedEvent{
		Type:        evType,
		Family:      binding.Family,
		Binding:     binding.Name,
		Contract:    log.Address.Hex(),
		Name:        ev.Name,
		Args:        args,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		Removed:     log.Removed,
		ObservedAt:  d.now().UTC(),
	}, true, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
