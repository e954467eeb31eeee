package wallet

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/devblac/chainforge/internal/fault"
	"github.com/ethereum/go-ethereum/common"
)

// State is the session's connection state.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// EventKind enumerates session lifecycle notifications.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	// EventInvalidated fires when the agent reports an account or network
	// change. The caller must reconnect.
	EventInvalidated
	EventDisconnected
)

// Event is delivered to session subscribers.
type Event struct {
	Kind    EventKind
	Address common.Address
	ChainID uint64
	Reason  string
}

// Info describes a connected session.
type Info struct {
	Address common.Address
	ChainID uint64
}

// BalanceReader reads fungible and native balances for Balances.
type BalanceReader interface {
	Assets() []string
	NativeSymbol() string
	FungibleBalance(ctx context.Context, asset string, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Session owns the connection to one signing agent. A process holds exactly
// one and passes it to the components that need it.
type Session struct {
	agent  Agent
	logger *slog.Logger

	mu       sync.RWMutex
	state    State
	address  common.Address
	chainID  uint64
	balances map[string]*big.Int
	reader   BalanceReader
	stop     chan struct{}

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewSession wraps agent. A nil agent is allowed; Connect then fails with ErrNoAgent.
func NewSession(agent Agent, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{agent: agent, logger: logger, subs: map[int]func(Event){}}
}

// SetBalanceReader installs the reader used by Balances.
func (s *Session) SetBalanceReader(r BalanceReader) {
	s.mu.Lock()
	s.reader = r
	s.mu.Unlock()
}

// Connect asks the agent for an account and network and starts watching for
// agent changes.
func (s *Session) Connect(ctx context.Context) (Info, error) {
	if s.agent == nil {
		return Info{}, fault.Wrap(fault.NetworkUnavailable, "wallet.connect", ErrNoAgent)
	}
	addr, err := race(ctx, func() (common.Address, error) { return s.agent.Connect(ctx) })
	if err != nil {
		return Info{}, classify("wallet.connect", err)
	}
	chainID, err := race(ctx, func() (uint64, error) { return s.agent.ChainID(ctx) })
	if err != nil {
		return Info{}, classify("wallet.connect", err)
	}

	s.mu.Lock()
	s.state = Connected
	s.address = addr
	s.chainID = chainID
	s.balances = nil
	if s.stop == nil {
		s.stop = make(chan struct{})
		go s.watch(s.agent.Changes(), s.stop)
	}
	s.mu.Unlock()

	s.logger.Info("wallet connected", "address", addr.Hex(), "chain_id", chainID)
	s.emit(Event{Kind: EventConnected, Address: addr, ChainID: chainID})
	return Info{Address: addr, ChainID: chainID}, nil
}

// Disconnect drops the session state. It always succeeds.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasConnected := s.state == Connected
	addr, chainID := s.address, s.chainID
	s.reset()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	if wasConnected {
		s.logger.Info("wallet disconnected", "address", addr.Hex())
		s.emit(Event{Kind: EventDisconnected, Address: addr, ChainID: chainID, Reason: "disconnect"})
	}
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentAddress returns the connected account.
func (s *Session) CurrentAddress() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Connected {
		return common.Address{}, fault.Wrap(fault.InvalidInput, "wallet.address", ErrNotConnected)
	}
	return s.address, nil
}

// CurrentNetworkID returns the connected chain id.
func (s *Session) CurrentNetworkID() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Connected {
		return 0, fault.Wrap(fault.InvalidInput, "wallet.network", ErrNotConnected)
	}
	return s.chainID, nil
}

// Balances reads every configured fungible asset plus the native balance for
// addr. When addr is the connected account the snapshot is cached.
func (s *Session) Balances(ctx context.Context, addr string) (map[string]*big.Int, error) {
	if !common.IsHexAddress(addr) {
		return nil, fault.New(fault.InvalidInput, "wallet.balances", "invalid address %q", addr)
	}
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return nil, fault.New(fault.NetworkUnavailable, "wallet.balances", "no balance reader configured")
	}

	owner := common.HexToAddress(addr)
	out := map[string]*big.Int{}
	for _, asset := range reader.Assets() {
		bal, err := reader.FungibleBalance(ctx, asset, owner)
		if err != nil {
			return nil, err
		}
		out[asset] = bal
	}
	native, err := reader.NativeBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	out[reader.NativeSymbol()] = native

	s.mu.Lock()
	if s.state == Connected && s.address == owner {
		s.balances = copyBalances(out)
	}
	s.mu.Unlock()
	return out, nil
}

// CachedBalances returns the last snapshot taken for the connected account.
func (s *Session) CachedBalances() map[string]*big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBalances(s.balances)
}

// SignMessage signs text with the connected account.
func (s *Session) SignMessage(ctx context.Context, text string) ([]byte, error) {
	if _, err := s.CurrentAddress(); err != nil {
		return nil, err
	}
	sig, err := race(ctx, func() ([]byte, error) { return s.agent.SignMessage(ctx, []byte(text)) })
	if err != nil {
		return nil, classify("wallet.sign", err)
	}
	return sig, nil
}

// SendTransaction submits call through the agent and returns the tx hash.
// Errors other than rejection and cancellation are returned unclassified so
// the ledger layer can inspect node messages.
func (s *Session) SendTransaction(ctx context.Context, call Call) (common.Hash, error) {
	if _, err := s.CurrentAddress(); err != nil {
		return common.Hash{}, err
	}
	hash, err := race(ctx, func() (common.Hash, error) { return s.agent.SendTransaction(ctx, call) })
	if err != nil {
		if errors.Is(err, ErrUserRejected) || ctx.Err() != nil {
			return common.Hash{}, classify("wallet.send", err)
		}
		return common.Hash{}, err
	}
	return hash, nil
}

// SwitchNetwork asks the agent to change networks. The agent's change
// notification invalidates the session.
func (s *Session) SwitchNetwork(ctx context.Context, chainID uint64) error {
	if s.agent == nil {
		return fault.Wrap(fault.NetworkUnavailable, "wallet.switch", ErrNoAgent)
	}
	_, err := race(ctx, func() (struct{}, error) { return struct{}{}, s.agent.SwitchNetwork(ctx, chainID) })
	if err != nil {
		return classify("wallet.switch", err)
	}
	return nil
}

// Subscribe registers fn for lifecycle events and returns a cancel func.
// fn runs on the goroutine that produced the event.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) watch(changes <-chan Change, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			s.handleChange(ch)
		}
	}
}

func (s *Session) handleChange(ch Change) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}
	addr, chainID := s.address, s.chainID
	s.reset()
	s.mu.Unlock()

	s.logger.Warn("wallet session invalidated", "reason", ch.Kind.String(), "address", addr.Hex(), "chain_id", chainID)
	kind := EventInvalidated
	if ch.Kind == AgentDisconnected {
		kind = EventDisconnected
	}
	s.emit(Event{Kind: kind, Address: addr, ChainID: chainID, Reason: ch.Kind.String()})
}

// reset must be called with mu held.
func (s *Session) reset() {
	s.state = Disconnected
	s.address = common.Address{}
	s.chainID = 0
	s.balances = nil
}

func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type result[T any] struct {
	val T
	err error
}

// race runs fn and returns early when ctx ends. A late result is dropped.
func race[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{v, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrUserRejected):
		return fault.Wrap(fault.UserRejected, op, err)
	case errors.Is(err, ErrNoAgent), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	default:
		return fault.Wrap(fault.UpstreamFailure, op, err)
	}
}

func copyBalances(in map[string]*big.Int) map[string]*big.Int {
	if in == nil {
		return nil
	}
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
