package eventsync

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/source/evm"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Backfill replays confirmed history from the stored cursor up to the
// confirmed head through the same journal, forward and listener path as live
// events. Call it before Start; it does not run on the dispatcher.
func (s *Synchronizer) Backfill(ctx context.Context, registry *contracts.Registry) (int, error) {
	if s.store == nil {
		return 0, fault.New(fault.InvalidInput, "eventsync.backfill", "backfill needs a journal store")
	}
	client, ok := s.clients[registry.NetworkID]
	if !ok {
		return 0, fault.New(fault.InvalidInput, "eventsync.backfill", "no client for network %q", registry.NetworkID)
	}
	scanner := evm.NewScanner(client, s.store, evm.NewDecoder(registry), evm.ScannerOptions{
		StartBlock:    s.opts.StartBlock,
		Confirmations: s.opts.Confirmations,
		ReorgDepth:    s.opts.ReorgDepth,
		MaxRange:      s.opts.MaxRange,
	})
	n, err := scanner.CatchUp(ctx, func(ev evm.NormalizedEvent) {
		s.process(ctx, registry.NetworkID, ev)
	})
	s.metrics.Backfilled(n)
	if err != nil {
		return n, fault.Wrap(fault.NetworkUnavailable, "eventsync.backfill", err)
	}
	s.logger.Info("backfill complete", "network", registry.NetworkID, "events", n)
	return n, nil
}

// EventsByTx decodes the logs of one transaction. Logs from contracts outside
// the registry and logs that fail to decode are skipped.
func (s *Synchronizer) EventsByTx(ctx context.Context, txHash string) ([]evm.NormalizedEvent, error) {
	client, decoder, err := s.active("eventsync.events_by_tx")
	if err != nil {
		return nil, err
	}
	if !isTxHash(txHash) {
		return nil, fault.New(fault.InvalidInput, "eventsync.events_by_tx", "invalid transaction hash %q", txHash)
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, fault.New(fault.InvalidInput, "eventsync.events_by_tx", "transaction %s not found", txHash)
	}
	if err != nil {
		return nil, fault.Wrap(fault.NetworkUnavailable, "eventsync.events_by_tx", err)
	}
	out := []evm.NormalizedEvent{}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		ev, ok, err := decoder.Decode(*lg)
		if err != nil {
			s.logger.Warn("skipping undecodable log", "tx", txHash, "index", lg.Index, "err", err)
			continue
		}
		if ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// RangeQuery selects historical events. Contract is an address or a binding
// name; empty means every contract that can emit Type. An empty Type matches
// every normalized event.
type RangeQuery struct {
	Contract string
	Type     contracts.EventType
	From     uint64
	To       uint64
}

// QueryRange fetches and decodes matching logs in [From, To].
func (s *Synchronizer) QueryRange(ctx context.Context, q RangeQuery) ([]evm.NormalizedEvent, error) {
	const op = "eventsync.query_range"
	client, decoder, err := s.active(op)
	if err != nil {
		return nil, err
	}
	if q.To < q.From {
		return nil, fault.New(fault.InvalidInput, op, "range end %d before start %d", q.To, q.From)
	}
	registry := decoder.Registry()

	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.From),
		ToBlock:   new(big.Int).SetUint64(q.To),
	}
	var family contracts.Family
	if q.Type != "" {
		f, name, ok := contracts.EventSource(q.Type)
		if !ok {
			return nil, fault.New(fault.InvalidInput, op, "unknown event type %q", q.Type)
		}
		family = f
		filter.Topics = [][]common.Hash{{contracts.ABIFor(f).Events[name].ID}}
	}

	if q.Contract != "" {
		addr, ok := resolveContract(registry, q.Contract)
		if !ok {
			return nil, fault.New(fault.InvalidInput, op, "unknown contract %q", q.Contract)
		}
		filter.Addresses = []common.Address{addr}
	} else {
		for _, b := range registry.Bindings() {
			if family == "" || b.Family == family {
				filter.Addresses = append(filter.Addresses, b.Address)
			}
		}
		if len(filter.Addresses) == 0 {
			return []evm.NormalizedEvent{}, nil
		}
	}

	logs, err := client.FilterLogs(ctx, filter)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkUnavailable, op, err)
	}
	out := []evm.NormalizedEvent{}
	for _, lg := range logs {
		ev, ok, err := decoder.Decode(lg)
		if err != nil {
			s.logger.Warn("skipping undecodable log", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
			continue
		}
		if !ok || (q.Type != "" && ev.Type != q.Type) {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *Synchronizer) active(op string) (LogClient, *evm.Decoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder == nil {
		return nil, nil, fault.New(fault.InvalidInput, op, "synchronizer is not running")
	}
	return s.client, s.decoder, nil
}

func resolveContract(registry *contracts.Registry, ref string) (common.Address, bool) {
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref)
		_, ok := registry.Lookup(addr)
		return addr, ok
	}
	for _, b := range registry.Bindings() {
		if strings.EqualFold(b.Name, ref) {
			return b.Address, true
		}
	}
	return common.Address{}, false
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
