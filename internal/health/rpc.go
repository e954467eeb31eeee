package health

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderClient is the node call used as a liveness probe.
type HeaderClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RPCChecker pings every configured network's node.
type RPCChecker struct {
	clients map[string]HeaderClient
}

// NewRPCChecker creates a checker keyed by network id.
func NewRPCChecker(clients map[string]HeaderClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping fetches the genesis header from each node and reports the first
// failure in network id order.
func (c *RPCChecker) Ping(ctx context.Context) error {
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := c.clients[id].HeaderByNumber(ctx, big.NewInt(0)); err != nil {
			return fmt.Errorf("network %s: %w", id, err)
		}
	}
	return nil
}
