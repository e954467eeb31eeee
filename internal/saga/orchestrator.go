// Package saga runs the game's multi-system operations. Each saga drives the
// wallet, artifact store, ledger and backend of record in a fixed order and
// stops at the first failing stage. Completed side effects are not undone.
package saga

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/chainforge/internal/artifact"
	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/ledger"
	"github.com/devblac/chainforge/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
)

// Wallet exposes the connected account.
type Wallet interface {
	CurrentAddress() (common.Address, error)
}

// Artifacts is the content store surface sagas use.
type Artifacts interface {
	UploadBundle(ctx context.Context, image []byte, name string, metadata map[string]any) (artifact.Bundle, error)
	UploadJSON(ctx context.Context, value any, name string) (artifact.Artifact, error)
	Pin(ctx context.Context, hash string) bool
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Ledger is the on-chain surface sagas use.
type Ledger interface {
	MintCollectible(ctx context.Context, category contracts.Category, metadataURL string) (ledger.Receipt, error)
	ListOnMarket(ctx context.Context, nft common.Address, tokenID, price *big.Int) (ledger.ListingReceipt, error)
	BuyFromMarket(ctx context.Context, listingID, price *big.Int) (ledger.Receipt, error)
	TransferFungible(ctx context.Context, asset, to string, amount *big.Int) (ledger.Receipt, error)
	ClaimReward(ctx context.Context, rewardID *big.Int) (ledger.Receipt, error)
	CastVote(ctx context.Context, proposalID *big.Int, support bool) (ledger.Receipt, error)
	OwnerOf(ctx context.Context, category contracts.Category, tokenID *big.Int) (*common.Address, error)
	CollectibleContract(category contracts.Category) (common.Address, error)
}

// Backend is the backend-of-record surface sagas use.
type Backend interface {
	PrepareMint(ctx context.Context, req backend.PrepareMintRequest) (backend.PrepareMintResponse, error)
	ConfirmMint(ctx context.Context, req backend.ConfirmMintRequest) (backend.ConfirmMintResponse, error)
	PrepareListing(ctx context.Context, req backend.PrepareListingRequest) (backend.PrepareListingResponse, error)
	ConfirmListing(ctx context.Context, req backend.ConfirmListingRequest) error
	GetListing(ctx context.Context, id string) (backend.Listing, error)
	PrepareBuy(ctx context.Context, req backend.PrepareBuyRequest) error
	ConfirmBuy(ctx context.Context, req backend.ConfirmBuyRequest) error
	PrepareTransfer(ctx context.Context, req backend.PrepareTransferRequest) (backend.PrepareTransferResponse, error)
	ConfirmTransfer(ctx context.Context, req backend.ConfirmTransferRequest) error
	GetReward(ctx context.Context, id string) (backend.Reward, error)
	ConfirmClaim(ctx context.Context, req backend.ConfirmClaimRequest) error
	CheckVoteEligibility(ctx context.Context, req backend.VoteEligibilityRequest) (backend.VoteEligibility, error)
	ConfirmVote(ctx context.Context, req backend.ConfirmVoteRequest) error
	SaveWorld(ctx context.Context, req backend.SaveWorldRequest) (backend.World, error)
	GetWorld(ctx context.Context, id string) (backend.World, error)
}

var (
	_ Artifacts = (*artifact.Store)(nil)
	_ Ledger    = (*ledger.Gateway)(nil)
	_ Backend   = (*backend.Client)(nil)
)

// Orchestrator runs sagas. It holds no per-call state, so sagas may run
// concurrently; each one is sequential.
type Orchestrator struct {
	wallet    Wallet
	artifacts Artifacts
	ledger    Ledger
	backend   Backend
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an orchestrator. m may be nil.
func New(w Wallet, a Artifacts, l Ledger, b Backend, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		wallet:    w,
		artifacts: a,
		ledger:    l,
		backend:   b,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// prepareCtx tags a prepare call with an idempotency key. key is the
// caller's key for the operation, or the saga id when none was given.
func (r *run) prepareCtx(ctx context.Context, key, stage string) context.Context {
	if key == "" {
		key = r.rec.ID
	}
	return backend.WithIdempotencyKey(ctx, key+":"+stage)
}
