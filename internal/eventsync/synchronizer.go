// Package eventsync keeps live log subscriptions for one network's contracts
// and turns each log into a normalized event. Every event is journaled,
// forwarded to the backend of record and handed to in-process listeners.
package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/metrics"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/devblac/chainforge/internal/storage"
	"github.com/devblac/chainforge/internal/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultForwardTimeout bounds one backend forward.
const DefaultForwardTimeout = 30 * time.Second

// LogClient is the node surface the synchronizer needs. *evm.RPCClient
// satisfies it when dialed over WebSocket.
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Forwarder receives every normalized event. *backend.Client satisfies it.
type Forwarder interface {
	ForwardEvent(ctx context.Context, ev backend.Event) error
}

// Listener is called once per delivered event. Delivery is at-least-once, so
// listeners must tolerate seeing the same event ID twice.
type Listener func(evm.NormalizedEvent)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// Binding is one live (contract, event) subscription.
type Binding struct {
	Name     string
	Family   contracts.Family
	Contract common.Address
	Event    string
}

// Options tunes backfill and forwarding.
type Options struct {
	StartBlock     string
	Confirmations  uint64
	ReorgDepth     uint64
	MaxRange       uint64
	ForwardTimeout time.Duration
	// Buffer is the capacity of the shared log channel.
	Buffer int
}

// Synchronizer owns the subscription table for the active network.
type Synchronizer struct {
	clients   map[string]LogClient
	store     *storage.Store
	forwarder Forwarder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options

	mu       sync.Mutex
	registry *contracts.Registry
	client   LogClient
	decoder  *evm.Decoder
	bindings []Binding
	subs     []ethereum.Subscription
	cancel   context.CancelFunc
	done     chan struct{}

	lmu       sync.RWMutex
	listeners map[contracts.EventType]map[ListenerID]Listener
	nextID    ListenerID

	forwards sync.WaitGroup
}

// New builds a synchronizer. clients maps network ids to node clients. store
// and forwarder may be nil, which disables journaling and forwarding.
func New(clients map[string]LogClient, store *storage.Store, forwarder Forwarder, m *metrics.Metrics, logger *slog.Logger, opts Options) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = DefaultForwardTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Synchronizer{
		clients:   clients,
		store:     store,
		forwarder: forwarder,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		listeners: map[contracts.EventType]map[ListenerID]Listener{},
	}
}

// Start subscribes to the default event set of every contract in registry.
// Any existing subscriptions are torn down first. If one subscription fails
// the ones already made are released and no binding stays live.
func (s *Synchronizer) Start(ctx context.Context, registry *contracts.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	return s.start(ctx, registry)
}

// Reset is Start under another name, used on network changes.
func (s *Synchronizer) Reset(ctx context.Context, registry *contracts.Registry) error {
	return s.Start(ctx, registry)
}

// Stop releases every subscription and waits for the dispatcher to exit.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.teardown()
	s.mu.Unlock()
}

// Wait blocks until in-flight forwards finish.
func (s *Synchronizer) Wait() { s.forwards.Wait() }

// Bindings lists the live subscriptions. A subscription the node drops is
// removed until the next Start or Reset.
func (s *Synchronizer) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Binding(nil), s.bindings...)
}

// Registry returns the registry of the running network, or nil.
func (s *Synchronizer) Registry() *contracts.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// On registers fn for events of type t.
func (s *Synchronizer) On(t contracts.EventType, fn Listener) ListenerID {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	if s.listeners[t] == nil {
		s.listeners[t] = map[ListenerID]Listener{}
	}
	s.listeners[t][s.nextID] = fn
	return s.nextID
}

// OnAll registers fn for every event type.
func (s *Synchronizer) OnAll(fn Listener) []ListenerID {
	ids := make([]ListenerID, 0, len(contracts.EventTypes()))
	for _, t := range contracts.EventTypes() {
		ids = append(ids, s.On(t, fn))
	}
	return ids
}

// Off removes a registration. Unknown ids are ignored.
func (s *Synchronizer) Off(id ListenerID) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for t, fns := range s.listeners {
		delete(fns, id)
		if len(fns) == 0 {
			delete(s.listeners, t)
		}
	}
}

// SessionEvents is the wallet session surface Attach needs.
type SessionEvents interface {
	Subscribe(fn func(wallet.Event)) func()
}

// Resolver maps a chain id to the registry of the configured network.
type Resolver func(chainID uint64) (*contracts.Registry, error)

// Attach ties the subscription table to a wallet session. A connect rebuilds
// the table for the session's network; an invalidation or disconnect tears
// it down. The returned func detaches.
func (s *Synchronizer) Attach(ctx context.Context, session SessionEvents, resolve Resolver) func() {
	return session.Subscribe(func(ev wallet.Event) {
		switch ev.Kind {
		case wallet.EventConnected:
			reg, err := resolve(ev.ChainID)
			if err != nil {
				s.logger.Warn("no network for connected chain; synchronizer stopped", "chain_id", ev.ChainID, "err", err)
				s.Stop()
				return
			}
			if err := s.Reset(ctx, reg); err != nil {
				s.logger.Error("synchronizer rebuild failed", "network", reg.NetworkID, "err", err)
			}
		case wallet.EventInvalidated, wallet.EventDisconnected:
			s.logger.Info("wallet session ended; synchronizer stopped", "reason", ev.Reason)
			s.Stop()
		}
	})
}

// start must be called with mu held and no live subscriptions.
func (s *Synchronizer) start(ctx context.Context, registry *contracts.Registry) error {
	client, ok := s.clients[registry.NetworkID]
	if !ok {
		return fault.New(fault.InvalidInput, "eventsync.start", "no client for network %q", registry.NetworkID)
	}

	logs := make(chan types.Log, s.opts.Buffer)
	runCtx, cancel := context.WithCancel(context.Background())
	subs := []ethereum.Subscription{}
	bindings := []Binding{}
	for _, b := range registry.Bindings() {
		contractABI := contracts.ABIFor(b.Family)
		if contractABI == nil {
			continue
		}
		for _, name := range contracts.DefaultEvents[b.Family] {
			ev, ok := contractABI.Events[name]
			if !ok {
				continue
			}
			sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
				Addresses: []common.Address{b.Address},
				Topics:    [][]common.Hash{{ev.ID}},
			}, logs)
			if err != nil {
				for _, made := range subs {
					made.Unsubscribe()
				}
				cancel()
				return fault.Wrap(fault.NetworkUnavailable, "eventsync.subscribe", fmt.Errorf("%s.%s: %w", b.Name, name, err))
			}
			subs = append(subs, sub)
			bindings = append(bindings, Binding{Name: b.Name, Family: b.Family, Contract: b.Address, Event: name})
		}
	}

	s.registry = registry
	s.client = client
	s.decoder = evm.NewDecoder(registry)
	s.bindings = bindings
	s.subs = subs
	s.cancel = cancel
	s.done = make(chan struct{})
	s.metrics.SetSubscriptions(len(subs))

	for i, sub := range subs {
		go s.watchSub(runCtx, sub, bindings[i])
	}
	go s.dispatch(runCtx, s.decoder, registry.NetworkID, logs, s.done)

	s.logger.Info("synchronizer started", "network", registry.NetworkID, "bindings", len(bindings))
	return nil
}

// teardown must be called with mu held.
func (s *Synchronizer) teardown() {
	if s.cancel == nil {
		return
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.cancel()
	<-s.done
	s.logger.Info("synchronizer stopped", "network", s.registry.NetworkID, "bindings", len(s.bindings))
	s.subs, s.bindings, s.cancel, s.done = nil, nil, nil, nil
	s.registry, s.client, s.decoder = nil, nil, nil
	s.metrics.SetSubscriptions(0)
}

func (s *Synchronizer) watchSub(ctx context.Context, sub ethereum.Subscription, b Binding) {
	select {
	case <-ctx.Done():
	case err, ok := <-sub.Err():
		if ok && err != nil {
			s.logger.Warn("log subscription dropped", "binding", b.Name, "event", b.Event, "err", err)
			s.metrics.Errors()
			s.drop(ctx, sub)
		}
	}
}

// drop removes a subscription the node closed. A table that was torn down or
// rebuilt since ctx was issued is left alone.
func (s *Synchronizer) drop(ctx context.Context, sub ethereum.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	for i, live := range s.subs {
		if live != sub {
			continue
		}
		sub.Unsubscribe()
		s.subs = append(s.subs[:i], s.subs[i+1:]...)
		s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
		break
	}
	s.metrics.SetSubscriptions(len(s.subs))
}

// dispatch is the single consumer of the shared log channel, so listeners
// see events in node delivery order.
func (s *Synchronizer) dispatch(ctx context.Context, decoder *evm.Decoder, networkID string, logs <-chan types.Log, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case lg := <-logs:
			ev, ok, err := decoder.Decode(lg)
			if err != nil {
				s.logger.Warn("decode log failed", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
				continue
			}
			if !ok {
				continue
			}
			s.process(ctx, networkID, *ev)
		}
	}
}

// process journals, forwards and delivers one event.
func (s *Synchronizer) process(ctx context.Context, networkID string, ev evm.NormalizedEvent) {
	s.metrics.EventNormalized(string(ev.Type))
	args := ev.PlainArgs()
	s.journal(ctx, networkID, ev, args)
	s.forward(networkID, ev, args)
	s.deliver(ev)
}

func (s *Synchronizer) journal(ctx context.Context, networkID string, ev evm.NormalizedEvent, args map[string]any) {
	if s.store == nil || ev.Removed {
		return
	}
	payload, err := json.Marshal(args)
	if err != nil {
		s.logger.Warn("encode event payload failed", "event", ev.ID(), "err", err)
		return
	}
	inserted, err := s.store.RecordEvent(ctx, storage.EventRecord{
		ID:          ev.ID(),
		NetworkID:   networkID,
		Type:        string(ev.Type),
		Contract:    ev.Contract,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		LogIndex:    uint64(ev.LogIndex),
		PayloadJSON: string(payload),
		ObservedAt:  ev.ObservedAt,
	})
	if err != nil {
		s.logger.Warn("journal event failed", "event", ev.ID(), "err", err)
		s.metrics.Errors()
		return
	}
	if !inserted {
		s.logger.Debug("event redelivered", "event", ev.ID())
	}
}

// forward posts the event to the backend without blocking dispatch. Failures
// are logged and counted, never retried.
func (s *Synchronizer) forward(networkID string, ev evm.NormalizedEvent, args map[string]any) {
	if s.forwarder == nil {
		return
	}
	out := backend.Event{
		ID:          ev.ID(),
		Network:     networkID,
		Type:        string(ev.Type),
		Contract:    ev.Contract,
		Args:        args,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		Removed:     ev.Removed,
		ObservedAt:  ev.ObservedAt,
	}
	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ForwardTimeout)
		defer cancel()
		if err := s.forwarder.ForwardEvent(ctx, out); err != nil {
			s.logger.Warn("forward event failed", "event", out.ID, "type", out.Type, "err", err)
			s.metrics.ForwardFailed()
		}
	}()
}

func (s *Synchronizer) deliver(ev evm.NormalizedEvent) {
	s.lmu.RLock()
	regs := s.listeners[ev.Type]
	ids := make([]ListenerID, 0, len(regs))
	for id := range regs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, regs[id])
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		s.call(fn, ev)
	}
}

func (s *Synchronizer) call(fn Listener, ev evm.NormalizedEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event listener panicked", "event", ev.ID(), "type", ev.Type, "panic", r)
			s.metrics.Errors()
		}
	}()
	fn(ev)
}
