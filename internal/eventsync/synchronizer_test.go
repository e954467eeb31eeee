package eventsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/devblac/chainforge/internal/storage"
	"github.com/devblac/chainforge/internal/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gold   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	land   = common.HexToAddress("0x00000000000000000000000000000000000000b4")
	market = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type fakeSub struct {
	q      ethereum.FilterQuery
	ch     chan<- types.Log
	closed atomic.Bool
	errc   chan error
}

func (s *fakeSub) Unsubscribe()      { s.closed.Store(true) }
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeNode struct {
	mu       sync.Mutex
	subs     []*fakeSub
	failOn   int
	logs     []types.Log
	headers  map[uint64]*types.Header
	receipts map[common.Hash]*types.Receipt
	queries  []ethereum.FilterQuery
}

func (n *fakeNode) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOn > 0 && len(n.subs)+1 == n.failOn {
		return nil, errors.New("ws closed")
	}
	sub := &fakeSub{q: q, ch: ch, errc: make(chan error)}
	n.subs = append(n.subs, sub)
	return sub, nil
}

// emit delivers lg to the first live subscription matching its contract and topic.
func (n *fakeNode) emit(lg types.Log) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		if s.closed.Load() || s.q.Addresses[0] != lg.Address || s.q.Topics[0][0] != lg.Topics[0] {
			continue
		}
		s.ch <- lg
		return true
	}
	return false
}

func (n *fakeNode) live() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.subs {
		if !s.closed.Load() {
			c++
		}
	}
	return c
}

func (n *fakeNode) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries = append(n.queries, q)
	out := []types.Log{}
	for _, lg := range n.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && q.Topics[0][0] != lg.Topics[0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (n *fakeNode) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		return n.headers[uint64(len(n.headers)-1)], nil
	}
	if h, ok := n.headers[number.Uint64()]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("header %d not found", number.Uint64())
}

func (n *fakeNode) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := n.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
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

type fakeForwarder struct {
	mu  sync.Mutex
	got []backend.Event
	err error
}

func (f *fakeForwarder) ForwardEvent(_ context.Context, ev backend.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return f.err
}

func (f *fakeForwarder) events() []backend.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Event(nil), f.got...)
}

func testRegistry(id string) *contracts.Registry {
	return contracts.NewRegistry(config.Network{
		ID:      id,
		ChainID: 84532,
		Contracts: config.Contracts{
			Assets:       map[string]string{"GOLD": gold.Hex()},
			Collectibles: map[string]string{"land": land.Hex()},
			Marketplace:  market.Hex(),
		},
	})
}

func topic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func word(v int64) []byte { return common.LeftPadBytes(big.NewInt(v).Bytes(), 32) }

func landTransfer(block uint64, from, to common.Address, tokenID int64, index uint) types.Log {
	return types.Log{
		Address:     land,
		Topics:      []common.Hash{contracts.CollectibleABI.Events["Transfer"].ID, topic(from), topic(to), common.BigToHash(big.NewInt(tokenID))},
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func goldTransfer(block uint64, from, to common.Address, value int64, index uint) types.Log {
	return types.Log{
		Address:     gold,
		Topics:      []common.Hash{contracts.FungibleABI.Events["Transfer"].ID, topic(from), topic(to)},
		Data:        word(value),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func itemSold(block uint64, listingID int64, buyer, seller common.Address, price int64, index uint) types.Log {
	return types.Log{
		Address:     market,
		Topics:      []common.Hash{contracts.MarketplaceABI.Events["ItemSold"].ID, common.BigToHash(big.NewInt(listingID)), topic(buyer), topic(seller)},
		Data:        word(price),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSync(t *testing.T, node *fakeNode, store *storage.Store, fwd Forwarder) *Synchronizer {
	t.Helper()
	s := New(map[string]LogClient{"test": node, "other": node}, store, fwd, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Options{StartBlock: "0"})
	t.Cleanup(s.Stop)
	return s
}

func collect(s *Synchronizer) chan evm.NormalizedEvent {
	out := make(chan evm.NormalizedEvent, 32)
	s.OnAll(func(ev evm.NormalizedEvent) { out <- ev })
	return out
}

func next(t *testing.T, ch chan evm.NormalizedEvent) evm.NormalizedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return evm.NormalizedEvent{}
	}
}

func TestStartSubscribesDefaultBindings(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)

	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	bindings := s.Bindings()
	require.Len(t, bindings, 4)
	events := map[string][]string{}
	for _, b := range bindings {
		events[b.Name] = append(events[b.Name], b.Event)
	}
	assert.Equal(t, []string{"Transfer"}, events["GOLD"])
	assert.Equal(t, []string{"Transfer"}, events["land"])
	assert.ElementsMatch(t, []string{"ItemListed", "ItemSold"}, events["marketplace"])
	assert.Equal(t, 4, node.live())
}

func TestEventsFlowInDeliveryOrder(t *testing.T) {
	node := &fakeNode{}
	store := newStore(t)
	fwd := &fakeForwarder{}
	s := newSync(t, node, store, fwd)
	got := collect(s)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	require.True(t, node.emit(landTransfer(10, common.Address{}, alice, 1, 0)))
	require.True(t, node.emit(itemSold(11, 5, bob, alice, 900, 0)))
	require.True(t, node.emit(goldTransfer(12, bob, alice, 900, 1)))

	first, second, third := next(t, got), next(t, got), next(t, got)
	assert.Equal(t, contracts.CollectibleMint, first.Type)
	assert.Equal(t, contracts.MarketplaceSold, second.Type)
	assert.Equal(t, "900", second.PlainArgs()["price"])
	assert.Equal(t, contracts.FungibleTransfer, third.Type)

	s.Wait()
	forwarded := fwd.events()
	require.Len(t, forwarded, 3)
	assert.Equal(t, "test", forwarded[0].Network)

	journal, err := store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, journal, 3)
	assert.Equal(t, string(contracts.CollectibleMint), journal[0].Type)
}

// Delivery is at-least-once: a redelivered log reaches listeners again and
// only the journal collapses it.
func TestRedeliveredLogIsDispatchedAgain(t *testing.T) {
	node := &fakeNode{}
	store := newStore(t)
	s := newSync(t, node, store, nil)
	got := collect(s)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	lg := itemSold(20, 7, bob, alice, 50, 2)
	require.True(t, node.emit(lg))
	require.True(t, node.emit(lg))

	first, second := next(t, got), next(t, got)
	assert.Equal(t, first.ID(), second.ID())

	journal, err := store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, journal, 1)
}

func TestForwardFailureDoesNotStopDelivery(t *testing.T) {
	node := &fakeNode{}
	fwd := &fakeForwarder{err: fault.New(fault.NetworkUnavailable, "forward", "backend down")}
	s := newSync(t, node, nil, fwd)
	got := collect(s)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	node.emit(goldTransfer(1, alice, bob, 1, 0))
	node.emit(goldTransfer(2, alice, bob, 2, 0))
	next(t, got)
	ev := next(t, got)
	assert.Equal(t, "2", ev.PlainArgs()["value"])
	s.Wait()
	assert.Len(t, fwd.events(), 2)
}

func TestPanickingListenerIsContained(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)
	s.On(contracts.FungibleTransfer, func(evm.NormalizedEvent) { panic("listener bug") })
	got := collect(s)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	node.emit(goldTransfer(1, alice, bob, 1, 0))
	assert.Equal(t, contracts.FungibleTransfer, next(t, got).Type)
}

func TestOffRemovesListener(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)
	var calls atomic.Int32
	id := s.On(contracts.FungibleTransfer, func(evm.NormalizedEvent) { calls.Add(1) })
	got := collect(s)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	node.emit(goldTransfer(1, alice, bob, 1, 0))
	next(t, got)
	s.Off(id)
	node.emit(goldTransfer(2, alice, bob, 1, 0))
	next(t, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFailedSubscribeReleasesPartialTable(t *testing.T) {
	node := &fakeNode{failOn: 3}
	s := newSync(t, node, nil, nil)

	err := s.Start(context.Background(), testRegistry("test"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NetworkUnavailable))
	assert.Empty(t, s.Bindings())
	assert.Equal(t, 0, node.live())
	assert.Len(t, node.subs, 2)
}

func TestResetRebuildsTable(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))
	require.NoError(t, s.Reset(context.Background(), testRegistry("other")))

	assert.Equal(t, 4, node.live())
	assert.Len(t, node.subs, 8)
	assert.Equal(t, "other", s.Registry().NetworkID)

	s.Stop()
	assert.Equal(t, 0, node.live())
	assert.Empty(t, s.Bindings())
}

func TestDroppedSubscriptionLeavesTable(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	node.mu.Lock()
	dropped := node.subs[0]
	node.mu.Unlock()
	on := func() int {
		c := 0
		for _, b := range s.Bindings() {
			if b.Contract == dropped.q.Addresses[0] {
				c++
			}
		}
		return c
	}
	before := on()

	dropped.errc <- errors.New("websocket: close 1006")

	require.Eventually(t, func() bool { return len(s.Bindings()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before-1, on())
	assert.True(t, dropped.closed.Load())
	assert.Equal(t, 3, node.live())

	require.NoError(t, s.Reset(context.Background(), testRegistry("test")))
	assert.Len(t, s.Bindings(), 4)
}

func TestStartUnknownNetwork(t *testing.T) {
	s := newSync(t, &fakeNode{}, nil, nil)
	err := s.Start(context.Background(), testRegistry("mainnet"))
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

type fakeSession struct{ fn func(wallet.Event) }

func (f *fakeSession) Subscribe(fn func(wallet.Event)) func() {
	f.fn = fn
	return func() { f.fn = nil }
}

func TestAttachFollowsSession(t *testing.T) {
	node := &fakeNode{}
	s := newSync(t, node, nil, nil)
	sess := &fakeSession{}
	detach := s.Attach(context.Background(), sess, func(chainID uint64) (*contracts.Registry, error) {
		if chainID != 84532 {
			return nil, errors.New("unknown chain")
		}
		return testRegistry("test"), nil
	})

	sess.fn(wallet.Event{Kind: wallet.EventConnected, ChainID: 84532})
	assert.Len(t, s.Bindings(), 4)

	sess.fn(wallet.Event{Kind: wallet.EventInvalidated, Reason: "network_changed"})
	assert.Empty(t, s.Bindings())
	assert.Equal(t, 0, node.live())

	sess.fn(wallet.Event{Kind: wallet.EventConnected, ChainID: 1})
	assert.Empty(t, s.Bindings())

	detach()
	assert.Nil(t, sess.fn)
}

func TestEventsByTx(t *testing.T) {
	tx := common.HexToHash("0x1234")
	mint := landTransfer(4, common.Address{}, alice, 9, 0)
	stray := goldTransfer(4, alice, bob, 1, 1)
	stray.Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	truncated := goldTransfer(4, alice, bob, 1, 2)
	truncated.Data = nil
	node := &fakeNode{receipts: map[common.Hash]*types.Receipt{tx: {Logs: []*types.Log{&mint, &stray, &truncated}}}}
	s := newSync(t, node, nil, nil)

	_, err := s.EventsByTx(context.Background(), tx.Hex())
	assert.True(t, fault.Is(err, fault.InvalidInput), "not running yet")

	require.NoError(t, s.Start(context.Background(), testRegistry("test")))
	evs, err := s.EventsByTx(context.Background(), tx.Hex())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, contracts.CollectibleMint, evs[0].Type)

	_, err = s.EventsByTx(context.Background(), common.HexToHash("0x99").Hex())
	assert.True(t, fault.Is(err, fault.InvalidInput))
	_, err = s.EventsByTx(context.Background(), "0xnope")
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestQueryRange(t *testing.T) {
	node := &fakeNode{logs: []types.Log{
		landTransfer(3, common.Address{}, alice, 1, 0),
		landTransfer(4, alice, bob, 1, 0),
		itemSold(5, 2, bob, alice, 50, 0),
		goldTransfer(6, bob, alice, 50, 0),
		{Address: gold, Topics: []common.Hash{contracts.FungibleABI.Events["Transfer"].ID, topic(bob), topic(alice)}, BlockNumber: 6, Index: 1},
	}}
	s := newSync(t, node, nil, nil)
	require.NoError(t, s.Start(context.Background(), testRegistry("test")))

	mints, err := s.QueryRange(context.Background(), RangeQuery{Type: contracts.CollectibleMint, From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, mints, 1)
	assert.Equal(t, uint64(3), mints[0].BlockNumber)

	sold, err := s.QueryRange(context.Background(), RangeQuery{Contract: "marketplace", Type: contracts.MarketplaceSold, From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, sold, 1)
	last := node.queries[len(node.queries)-1]
	assert.Equal(t, []common.Address{market}, last.Addresses)

	all, err := s.QueryRange(context.Background(), RangeQuery{From: 4, To: 6})
	require.NoError(t, err)
	assert.Len(t, all, 3, "the log without data is skipped")

	_, err = s.QueryRange(context.Background(), RangeQuery{From: 5, To: 4})
	assert.True(t, fault.Is(err, fault.InvalidInput))
	_, err = s.QueryRange(context.Background(), RangeQuery{Contract: "0x00000000000000000000000000000000000000ff", From: 0, To: 1})
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestBackfillReplaysHistory(t *testing.T) {
	node := &fakeNode{
		headers: chainOf(6),
		logs: []types.Log{
			landTransfer(2, common.Address{}, alice, 1, 0),
			goldTransfer(5, bob, alice, 7, 0),
		},
	}
	store := newStore(t)
	fwd := &fakeForwarder{}
	s := newSync(t, node, store, fwd)
	got := collect(s)

	n, err := s.Backfill(context.Background(), testRegistry("test"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, contracts.CollectibleMint, next(t, got).Type)
	assert.Equal(t, contracts.FungibleTransfer, next(t, got).Type)

	height, _, ok, err := store.GetCursor(context.Background(), evm.CursorID("test"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), height)

	n, err = s.Backfill(context.Background(), testRegistry("test"))
	require.NoError(t, err)
	assert.Zero(t, n)

	s.Wait()
	assert.Len(t, fwd.events(), 2)
}
