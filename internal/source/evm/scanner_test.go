package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testLand   = "0x00000000000000000000000000000000000000b4"
	testMarket = "0x00000000000000000000000000000000000000c1"
)

type fakeClient struct {
	headers map[uint64]*types.Header
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		var max uint64
		for n := range f.headers {
			if n > max {
				max = n
			}
		}
		if h, ok := f.headers[max]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("no headers")
	}
	if h, ok := f.headers[number.Uint64()]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("header %d not found", number.Uint64())
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	out := []types.Log{}
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func chainOf(n uint64) map[uint64]*types.Header {
	headers := map[uint64]*types.Header{}
	parent := &types.Header{Number: big.NewInt(0)}
	headers[0] = parent
	for i := uint64(1); i <= n; i++ {
		h := &types.Header{Number: new(big.Int).SetUint64(i), ParentHash: parent.Hash()}
		headers[i] = h
		parent = h
	}
	return headers
}

func testRegistry() *contracts.Registry {
	return contracts.NewRegistry(config.Network{
		ID:      "test",
		ChainID: 84532,
		Contracts: config.Contracts{
			Collectibles: map[string]string{"land": testLand},
			Marketplace:  testMarket,
		},
	})
}

func mintLog(block uint64, to common.Address, tokenID int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(testLand),
		Topics: []common.Hash{
			contracts.CollectibleABI.Events["Transfer"].ID,
			addrTopic(common.Address{}),
			addrTopic(to),
			common.BigToHash(big.NewInt(tokenID)),
		},
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		BlockNumber: block,
	}
}

func TestScannerProcessesBlock(t *testing.T) {
	store := newTestStore(t)
	player := common.HexToAddress("0x0000000000000000000000000000000000000002")

	fc := &fakeClient{
		headers: chainOf(1),
		logs:    []types.Log{mintLog(1, player, 7)},
	}

	scanner := NewScanner(fc, store, NewDecoder(testRegistry()), ScannerOptions{StartBlock: "1"})

	evs, more, err := scanner.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	if !more {
		t.Fatalf("expected a processed range")
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Type != contracts.CollectibleMint {
		t.Fatalf("expected mint, got %s", evs[0].Type)
	}
	if len(fc.queries) != 1 || len(fc.queries[0].Addresses) != 2 {
		t.Fatalf("expected one query over both tracked contracts, got %+v", fc.queries)
	}
	h, _, ok, _ := store.GetCursor(context.Background(), CursorID("test"))
	if !ok || h != 1 {
		t.Fatalf("cursor not advanced, h=%d ok=%v", h, ok)
	}

	_, more, err = scanner.ProcessNext(context.Background())
	if err != nil || more {
		t.Fatalf("expected caught-up scanner, more=%v err=%v", more, err)
	}
}

func TestScannerCatchUpInChunks(t *testing.T) {
	store := newTestStore(t)
	player := common.HexToAddress("0x0000000000000000000000000000000000000002")

	fc := &fakeClient{
		headers: chainOf(6),
		logs: []types.Log{
			mintLog(1, player, 1),
			mintLog(3, player, 2),
			mintLog(5, player, 3),
			mintLog(6, player, 4),
		},
	}

	scanner := NewScanner(fc, store, NewDecoder(testRegistry()), ScannerOptions{
		StartBlock:    "0",
		Confirmations: 1,
		MaxRange:      2,
	})

	var seen []uint64
	n, err := scanner.CatchUp(context.Background(), func(ev NormalizedEvent) {
		seen = append(seen, ev.BlockNumber)
	})
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if n != 3 || len(seen) != 3 {
		t.Fatalf("expected 3 confirmed events, got n=%d seen=%v", n, seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("events out of order: %v", seen)
		}
	}
	h, hash, ok, _ := store.GetCursor(context.Background(), CursorID("test"))
	if !ok || h != 5 || hash != fc.headers[5].Hash().Hex() {
		t.Fatalf("cursor should stop at confirmed head 5, got %d %s", h, hash)
	}
	if len(fc.queries) != 3 {
		t.Fatalf("expected 3 chunked queries, got %d", len(fc.queries))
	}
}

func TestScannerReorgDetection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertCursor(ctx, CursorID("test"), 1, "0xparent"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	h0 := &types.Header{Number: big.NewInt(0)}
	h2 := &types.Header{Number: big.NewInt(2), ParentHash: common.HexToHash("0xother")}
	fc := &fakeClient{
		headers: map[uint64]*types.Header{
			0: h0,
			2: h2,
		},
	}

	scanner := NewScanner(fc, store, NewDecoder(testRegistry()), ScannerOptions{})

	_, _, err := scanner.ProcessNext(ctx)
	if !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg error, got %v", err)
	}
	h, hash, ok, _ := store.GetCursor(ctx, CursorID("test"))
	if !ok || h != 0 || hash != h0.Hash().Hex() {
		t.Fatalf("cursor not rewound: %d %s", h, hash)
	}
}

func TestResolveStartHeight(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"", 100},
		{"latest", 100},
		{"0", 0},
		{"latest-10", 90},
		{"latest-500", 0},
		{"42", 42},
	}
	for _, tc := range cases {
		got, err := resolveStartHeight(tc.in, 100)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: want %d got %d", tc.in, tc.want, got)
		}
	}
	if _, err := resolveStartHeight("latest-x", 100); err == nil {
		t.Fatalf("expected parse error")
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
