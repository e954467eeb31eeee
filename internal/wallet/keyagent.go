package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// NodeClient is the subset of ethclient used to fill and submit transactions.
type NodeClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeyAgent signs with a locally held secp256k1 key. It never prompts, so it
// never reports ErrUserRejected. One node client is held per chain id.
type KeyAgent struct {
	key  *ecdsa.PrivateKey
	addr common.Address

	mu      sync.Mutex
	nodes   map[uint64]NodeClient
	current uint64
	changes chan Change
}

// NewKeyAgent parses a hex private key (with or without 0x).
func NewKeyAgent(hexKey string, nodes map[uint64]NodeClient, chainID uint64) (*KeyAgent, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if _, ok := nodes[chainID]; !ok {
		return nil, fmt.Errorf("no node client for chain %d", chainID)
	}
	return &KeyAgent{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		nodes:   nodes,
		current: chainID,
		changes: make(chan Change, 4),
	}, nil
}

func (a *KeyAgent) Connect(context.Context) (common.Address, error) {
	return a.addr, nil
}

func (a *KeyAgent) ChainID(context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, nil
}

func (a *KeyAgent) SendTransaction(ctx context.Context, call Call) (common.Hash, error) {
	a.mu.Lock()
	chainID := a.current
	node := a.nodes[chainID]
	a.mu.Unlock()

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := node.PendingNonceAt(ctx, a.addr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := node.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	to := call.To
	gas, err := node.EstimateGas(ctx, ethereum.CallMsg{From: a.addr, To: &to, Value: value, Data: call.Data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), a.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := node.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// SignMessage produces a personal-sign signature with V in {27, 28}.
func (a *KeyAgent) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), a.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (a *KeyAgent) SwitchNetwork(_ context.Context, chainID uint64) error {
	a.mu.Lock()
	if _, ok := a.nodes[chainID]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("no node client for chain %d", chainID)
	}
	changed := a.current != chainID
	a.current = chainID
	a.mu.Unlock()

	if changed {
		select {
		case a.changes <- Change{Kind: NetworkChanged, Address: a.addr, ChainID: chainID}:
		default:
		}
	}
	return nil
}

func (a *KeyAgent) Changes() <-chan Change { return a.changes }
