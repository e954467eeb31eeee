package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultPollInterval = 2 * time.Second
)

// ChainClient is the read side of the node connection.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer submits calls on behalf of the connected account. *wallet.Session
// satisfies it.
type Signer interface {
	CurrentAddress() (common.Address, error)
	CurrentNetworkID() (uint64, error)
	SendTransaction(ctx context.Context, call wallet.Call) (common.Hash, error)
}

// Receipt is the outcome of an included transaction.
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
}

// ListingReceipt carries both transactions of a listing. ApprovalTx is set
// even when the listing call itself fails.
type ListingReceipt struct {
	Receipt
	ApprovalTx common.Hash
}

type Options struct {
	ReadTimeout  time.Duration
	PollInterval time.Duration
}

// Gateway wraps one network's contracts behind typed calls. State-changing
// calls block until the transaction is included.
type Gateway struct {
	client   ChainClient
	signer   Signer
	registry *contracts.Registry
	opts     Options
	logger   *slog.Logger
}

func New(client ChainClient, signer Signer, registry *contracts.Registry, opts Options, logger *slog.Logger) *Gateway {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, signer: signer, registry: registry, opts: opts, logger: logger}
}

// Registry returns the contract set the gateway is bound to.
func (g *Gateway) Registry() *contracts.Registry { return g.registry }

// TransferFungible sends amount base units of asset to the address to.
func (g *Gateway) TransferFungible(ctx context.Context, asset, to string, amount *big.Int) (Receipt, error) {
	const op = "ledger.transfer"
	token, ok := g.registry.Asset(asset)
	if !ok {
		return Receipt{}, fault.New(fault.InvalidInput, op, "unknown asset %q", asset)
	}
	if !common.IsHexAddress(to) {
		return Receipt{}, fault.New(fault.InvalidInput, op, "invalid recipient address %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, fault.New(fault.InvalidInput, op, "amount must be positive")
	}
	data, err := contracts.FungibleABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	return g.submit(ctx, op, token, data, nil, false)
}

// MintCollectible mints a collectible of category to the connected account.
// The new token id is not returned; the backend reads it back.
func (g *Gateway) MintCollectible(ctx context.Context, category contracts.Category, metadataURL string) (Receipt, error) {
	const op = "ledger.mint"
	nft, err := g.CollectibleContract(category)
	if err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(metadataURL) == "" {
		return Receipt{}, fault.New(fault.InvalidInput, op, "metadata url required")
	}
	owner, err := g.signer.CurrentAddress()
	if err != nil {
		return Receipt{}, err
	}
	data, err := contracts.CollectibleABI.Pack("mint", owner, metadataURL)
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	return g.submit(ctx, op, nft, data, nil, false)
}

// ListOnMarket approves the marketplace for tokenID and then lists it. A
// failed listing leaves the approval in place.
func (g *Gateway) ListOnMarket(ctx context.Context, nft common.Address, tokenID, price *big.Int) (ListingReceipt, error) {
	const op = "ledger.list"
	market, ok := g.registry.Singleton(contracts.FamilyMarketplace)
	if !ok {
		return ListingReceipt{}, fault.New(fault.InvalidInput, op, "marketplace not configured on %s", g.registry.NetworkID)
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return ListingReceipt{}, fault.New(fault.InvalidInput, op, "invalid token id")
	}
	if price == nil || price.Sign() <= 0 {
		return ListingReceipt{}, fault.New(fault.InvalidInput, op, "price must be positive")
	}

	approve, err := contracts.CollectibleABI.Pack("approve", market, tokenID)
	if err != nil {
		return ListingReceipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	approval, err := g.submit(ctx, "ledger.approve", nft, approve, nil, false)
	if err != nil {
		return ListingReceipt{}, err
	}

	list, err := contracts.MarketplaceABI.Pack("listItem", nft, tokenID, price)
	if err != nil {
		return ListingReceipt{ApprovalTx: approval.TxHash}, fault.Wrap(fault.InvalidInput, op, err)
	}
	rcpt, err := g.submit(ctx, op, market, list, nil, false)
	if err != nil {
		g.logger.Warn("listing failed after approval", "approval_tx", approval.TxHash.Hex(), "err", err)
		return ListingReceipt{Receipt: rcpt, ApprovalTx: approval.TxHash}, err
	}
	return ListingReceipt{Receipt: rcpt, ApprovalTx: approval.TxHash}, nil
}

// BuyFromMarket buys listingID, attaching price as value.
func (g *Gateway) BuyFromMarket(ctx context.Context, listingID, price *big.Int) (Receipt, error) {
	const op = "ledger.buy"
	market, ok := g.registry.Singleton(contracts.FamilyMarketplace)
	if !ok {
		return Receipt{}, fault.New(fault.InvalidInput, op, "marketplace not configured on %s", g.registry.NetworkID)
	}
	if listingID == nil || price == nil || price.Sign() < 0 {
		return Receipt{}, fault.New(fault.InvalidInput, op, "listing id and price required")
	}
	data, err := contracts.MarketplaceABI.Pack("buyItem", listingID)
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	return g.submit(ctx, op, market, data, price, true)
}

func (g *Gateway) ClaimReward(ctx context.Context, rewardID *big.Int) (Receipt, error) {
	const op = "ledger.claim"
	rewards, ok := g.registry.Singleton(contracts.FamilyRewards)
	if !ok {
		return Receipt{}, fault.New(fault.InvalidInput, op, "rewards contract not configured on %s", g.registry.NetworkID)
	}
	if rewardID == nil {
		return Receipt{}, fault.New(fault.InvalidInput, op, "reward id required")
	}
	data, err := contracts.RewardsABI.Pack("claim", rewardID)
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	return g.submit(ctx, op, rewards, data, nil, true)
}

func (g *Gateway) CastVote(ctx context.Context, proposalID *big.Int, support bool) (Receipt, error) {
	const op = "ledger.vote"
	gov, ok := g.registry.Singleton(contracts.FamilyGovernance)
	if !ok {
		return Receipt{}, fault.New(fault.InvalidInput, op, "governance contract not configured on %s", g.registry.NetworkID)
	}
	if proposalID == nil {
		return Receipt{}, fault.New(fault.InvalidInput, op, "proposal id required")
	}
	data, err := contracts.GovernanceABI.Pack("castVote", proposalID, support)
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	return g.submit(ctx, op, gov, data, nil, true)
}

// CollectibleContract resolves the contract for a category.
func (g *Gateway) CollectibleContract(category contracts.Category) (common.Address, error) {
	addr, ok := g.registry.Collectible(category)
	if !ok {
		return common.Address{}, fault.New(fault.InvalidInput, "ledger.collectible", "no %s contract on %s", category, g.registry.NetworkID)
	}
	return addr, nil
}

func (g *Gateway) submit(ctx context.Context, op string, to common.Address, data []byte, value *big.Int, staleOnRevert bool) (Receipt, error) {
	if err := g.checkNetwork(op); err != nil {
		return Receipt{}, err
	}
	hash, err := g.signer.SendTransaction(ctx, wallet.Call{To: to, Data: data, Value: value})
	if err != nil {
		return Receipt{}, classify(op, err, staleOnRevert)
	}
	g.logger.Info("transaction submitted", "op", op, "tx", hash.Hex(), "to", to.Hex())

	rcpt, err := g.waitReceipt(ctx, hash)
	if err != nil {
		return Receipt{TxHash: hash}, classify(op, err, false)
	}
	out := Receipt{TxHash: hash, Success: rcpt.Status == types.ReceiptStatusSuccessful}
	if rcpt.BlockNumber != nil {
		out.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	if !out.Success {
		kind := fault.UpstreamFailure
		if staleOnRevert {
			kind = fault.StaleState
		}
		return out, fault.New(kind, op, "transaction %s reverted", hash.Hex())
	}
	g.logger.Info("transaction included", "op", op, "tx", hash.Hex(), "block", out.BlockNumber)
	return out, nil
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, g.opts.ReadTimeout)
		rcpt, err := g.client.TransactionReceipt(rctx, hash)
		cancel()
		if err == nil && rcpt != nil {
			return rcpt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) checkNetwork(op string) error {
	chainID, err := g.signer.CurrentNetworkID()
	if err != nil {
		return err
	}
	if g.registry.ChainID == nil || g.registry.ChainID.Uint64() != chainID {
		return fault.New(fault.InvalidInput, op, "wallet is on chain %d, expected %s (%s)", chainID, g.registry.ChainID, g.registry.NetworkID)
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, op string, contractABI *abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReadTimeout)
	defer cancel()
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamFailure, op, fmt.Errorf("unpack %s: %w", method, err))
	}
	return vals, nil
}
