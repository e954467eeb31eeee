package evm

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockClient captures the subset of ethclient used by the scanner.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client. It satisfies BlockClient
// and the narrower interfaces declared by the ledger and synchronizer.
type RPCClient struct {
	*ethclient.Client
	url string
}

// NewRPCClient dials an EVM node. WebSocket URLs enable log subscriptions.
func NewRPCClient(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c, url: rpcURL}, nil
}

// URL returns the endpoint the client was dialed with.
func (c *RPCClient) URL() string { return c.url }
