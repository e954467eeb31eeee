package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoAgent is returned when no signing agent is available.
	ErrNoAgent = errors.New("no signing agent present")
	// ErrUserRejected is returned by agents when the user declines a request.
	ErrUserRejected = errors.New("user rejected request")
	// ErrNotConnected is returned by session calls that need a connected wallet.
	ErrNotConnected = errors.New("wallet not connected")
)

// Call is a state-changing contract call to be signed and submitted.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// ChangeKind enumerates notifications pushed by an agent.
type ChangeKind int

const (
	AccountChanged ChangeKind = iota + 1
	NetworkChanged
	AgentDisconnected
)

func (k ChangeKind) String() string {
	switch k {
	case AccountChanged:
		return "account_changed"
	case NetworkChanged:
		return "network_changed"
	case AgentDisconnected:
		return "agent_disconnected"
	default:
		return "unknown"
	}
}

// Change is a notification from the signing agent.
type Change struct {
	Kind    ChangeKind
	Address common.Address
	ChainID uint64
}

// Agent is the user-controlled signing capability. Calls that need user
// interaction may block indefinitely; the session races them against ctx.
type Agent interface {
	Connect(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, call Call) (common.Hash, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SwitchNetwork(ctx context.Context, chainID uint64) error
	Changes() <-chan Change
}
