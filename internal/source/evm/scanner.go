package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/devblac/chainforge/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxRange caps the number of blocks requested per FilterLogs call.
const DefaultMaxRange = 2000

// CursorID is the storage key for a network's catch-up cursor.
func CursorID(networkID string) string {
	return Chain + ":" + networkID
}

// ScannerOptions tunes a Scanner.
type ScannerOptions struct {
	StartBlock    string
	Confirmations uint64
	ReorgDepth    uint64
	MaxRange      uint64
}

// Scanner walks confirmed block ranges for the tracked contracts, advancing a
// persisted cursor. The synchronizer uses it to catch up before it subscribes.
type Scanner struct {
	client    BlockClient
	store     *storage.Store
	decoder   *Decoder
	cursorID  string
	opts      ScannerOptions
	addresses []common.Address
}

// NewScanner builds a scanner over every contract in the decoder's registry.
func NewScanner(client BlockClient, store *storage.Store, decoder *Decoder, opts ScannerOptions) *Scanner {
	if opts.MaxRange == 0 {
		opts.MaxRange = DefaultMaxRange
	}
	if opts.ReorgDepth == 0 {
		opts.ReorgDepth = 12
	}
	reg := decoder.Registry()
	addresses := []common.Address{}
	for _, b := range reg.Bindings() {
		addresses = append(addresses, b.Address)
	}
	return &Scanner{
		client:    client,
		store:     store,
		decoder:   decoder,
		cursorID:  CursorID(reg.NetworkID),
		opts:      opts,
		addresses: addresses,
	}
}

// ProcessNext handles the next eligible block range (respecting confirmations)
// and returns decoded events. It advances the cursor on success and reports
// false once the cursor has reached the confirmed head. If a reorg is
// detected, the cursor is rewound and ErrReorgDetected is returned.
func (s *Scanner) ProcessNext(ctx context.Context) ([]NormalizedEvent, bool, error) {
	curHeight, curHash, hasCursor, err := s.store.GetCursor(ctx, s.cursorID)
	if err != nil {
		return nil, false, err
	}

	latest, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("latest header: %w", err)
	}
	safeHeight := latest.Number.Uint64()
	if s.opts.Confirmations > 0 {
		if s.opts.Confirmations > safeHeight {
			return nil, false, nil
		}
		safeHeight -= s.opts.Confirmations
	}

	from := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(s.opts.StartBlock, safeHeight)
		if err != nil {
			return nil, false, err
		}
		from = start
	}
	if from > safeHeight {
		return nil, false, nil
	}

	if hasCursor {
		first, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(from))
		if err != nil {
			return nil, false, fmt.Errorf("header %d: %w", from, err)
		}
		if first.ParentHash.Hex() != curHash {
			if err := s.rewind(ctx, curHeight); err != nil {
				return nil, false, err
			}
			return nil, false, ErrReorgDetected
		}
	}

	to := from + s.opts.MaxRange - 1
	if to > safeHeight {
		to = safeHeight
	}
	toHeader, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(to))
	if err != nil {
		return nil, false, fmt.Errorf("header %d: %w", to, err)
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: s.addresses,
	})
	if err != nil {
		return nil, false, fmt.Errorf("filter logs: %w", err)
	}

	events := []NormalizedEvent{}
	for _, lg := range logs {
		ev, ok, err := s.decoder.Decode(lg)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		events = append(events, *ev)
	}

	if err := s.store.UpsertCursor(ctx, s.cursorID, to, toHeader.Hash().Hex()); err != nil {
		return nil, false, err
	}
	return events, true, nil
}

// CatchUp drains ProcessNext until the cursor reaches the confirmed head,
// passing each event to handle. A detected reorg restarts from the rewound
// cursor.
func (s *Scanner) CatchUp(ctx context.Context, handle func(NormalizedEvent)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		events, more, err := s.ProcessNext(ctx)
		if err == ErrReorgDetected {
			continue
		}
		if err != nil {
			return total, err
		}
		for _, ev := range events {
			handle(ev)
		}
		total += len(events)
		if !more {
			return total, nil
		}
	}
}

func (s *Scanner) rewind(ctx context.Context, curHeight uint64) error {
	depth := s.opts.ReorgDepth
	if depth > curHeight {
		depth = curHeight
	}
	rewindTo := curHeight - depth
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(rewindTo))
	if err != nil {
		return fmt.Errorf("header %d: %w", rewindTo, err)
	}
	return s.store.UpsertCursor(ctx, s.cursorID, rewindTo, h.Hash().Hex())
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "latest" {
		return safeHeight, nil
	}
	if start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
