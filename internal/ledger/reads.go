package ledger

import (
	"context"
	"math/big"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/ethereum/go-ethereum/common"
)

// OwnerOf returns the owner of tokenID, or nil if the token does not exist.
func (g *Gateway) OwnerOf(ctx context.Context, category contracts.Category, tokenID *big.Int) (*common.Address, error) {
	const op = "ledger.owner_of"
	nft, err := g.CollectibleContract(category)
	if err != nil {
		return nil, err
	}
	vals, err := g.call(ctx, op, contracts.CollectibleABI, nft, "ownerOf", tokenID)
	if err != nil {
		if isRevert(err) {
			return nil, nil
		}
		return nil, classify(op, err, false)
	}
	owner, ok := vals[0].(common.Address)
	if !ok || owner == (common.Address{}) {
		return nil, nil
	}
	return &owner, nil
}

// FungibleBalance reads owner's balance of asset in base units.
func (g *Gateway) FungibleBalance(ctx context.Context, asset string, owner common.Address) (*big.Int, error) {
	const op = "ledger.balance"
	token, ok := g.registry.Asset(asset)
	if !ok {
		return nil, fault.New(fault.InvalidInput, op, "unknown asset %q", asset)
	}
	vals, err := g.call(ctx, op, contracts.FungibleABI, token, "balanceOf", owner)
	if err != nil {
		return nil, classify(op, err, false)
	}
	return toBig(op, vals[0])
}

// NativeBalance reads owner's balance of the chain's native currency.
func (g *Gateway) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReadTimeout)
	defer cancel()
	bal, err := g.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, classify("ledger.native_balance", err, false)
	}
	return bal, nil
}

// Assets lists the configured fungible asset symbols.
func (g *Gateway) Assets() []string { return g.registry.Assets() }

// NativeSymbol is the native currency symbol of the bound network.
func (g *Gateway) NativeSymbol() string { return g.registry.NativeSymbol }

// CollectiblesOwnedBy enumerates owner's tokens in category by count then
// index. If the count cannot be read the result is empty. A failure part way
// through returns the tokens gathered so far together with the error.
func (g *Gateway) CollectiblesOwnedBy(ctx context.Context, category contracts.Category, owner common.Address) ([]*big.Int, error) {
	const op = "ledger.collectibles_owned"
	nft, err := g.CollectibleContract(category)
	if err != nil {
		return []*big.Int{}, err
	}
	vals, err := g.call(ctx, op, contracts.CollectibleABI, nft, "balanceOf", owner)
	if err != nil {
		return []*big.Int{}, classify(op, err, false)
	}
	count, err := toBig(op, vals[0])
	if err != nil {
		return []*big.Int{}, err
	}
	if !count.IsInt64() {
		return []*big.Int{}, fault.New(fault.UpstreamFailure, op, "implausible balance %s", count)
	}

	out := make([]*big.Int, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		vals, err := g.call(ctx, op, contracts.CollectibleABI, nft, "tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return out, classify(op, err, false)
		}
		id, err := toBig(op, vals[0])
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, nil
}

func toBig(op string, v any) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fault.New(fault.UpstreamFailure, op, "unexpected value type %T", v)
	}
	return b, nil
}
