package backend

import (
	"encoding/json"
	"time"
)

// Amounts and prices travel as base-unit decimal strings.

type PrepareMintRequest struct {
	Owner       string `json:"owner"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	ImageURL    string `json:"image_url"`
	MetadataURL string `json:"metadata_url"`
	MetadataCID string `json:"metadata_cid"`
}

type PrepareMintResponse struct {
	MintID          string `json:"mint_id"`
	ContractAddress string `json:"contract_address"`
}

type ConfirmMintRequest struct {
	MintID   string `json:"mint_id"`
	Owner    string `json:"owner"`
	Category string `json:"category"`
	TxHash   string `json:"tx_hash"`
}

type ConfirmMintResponse struct {
	ItemID  string `json:"item_id"`
	TokenID string `json:"token_id"`
}

type PrepareListingRequest struct {
	Seller   string `json:"seller"`
	Category string `json:"category"`
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`
}

type PrepareListingResponse struct {
	ListingID string `json:"listing_id"`
}

type ConfirmListingRequest struct {
	ListingID string `json:"listing_id"`
	Seller    string `json:"seller"`
	TxHash    string `json:"tx_hash"`
}

// Listing is the backend's view of a marketplace listing.
type Listing struct {
	ID        string `json:"id"`
	OnChainID string `json:"on_chain_id"`
	Seller    string `json:"seller"`
	Category  string `json:"category"`
	TokenID   string `json:"token_id"`
	Price     string `json:"price"`
	Active    bool   `json:"active"`
}

type PrepareBuyRequest struct {
	ListingID string `json:"listing_id"`
	Buyer     string `json:"buyer"`
}

type ConfirmBuyRequest struct {
	ListingID string `json:"listing_id"`
	Buyer     string `json:"buyer"`
	TxHash    string `json:"tx_hash"`
}

type PrepareTransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type PrepareTransferResponse struct {
	TransferID string `json:"transfer_id"`
}

type ConfirmTransferRequest struct {
	TransferID string `json:"transfer_id"`
	TxHash     string `json:"tx_hash"`
}

// Reward is a backend-tracked claimable reward.
type Reward struct {
	ID        string `json:"id"`
	OnChainID string `json:"on_chain_id"`
	Owner     string `json:"owner"`
	Amount    string `json:"amount"`
	Claimable bool   `json:"claimable"`
}

type ConfirmClaimRequest struct {
	RewardID string `json:"reward_id"`
	Claimer  string `json:"claimer"`
	TxHash   string `json:"tx_hash"`
}

type VoteEligibilityRequest struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
}

type VoteEligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	Weight   string `json:"weight,omitempty"`
}

type ConfirmVoteRequest struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Support    bool   `json:"support"`
	TxHash     string `json:"tx_hash"`
}

type SaveWorldRequest struct {
	WorldID  string          `json:"world_id,omitempty"`
	Owner    string          `json:"owner"`
	Name     string          `json:"name"`
	CID      string          `json:"cid"`
	URL      string          `json:"url"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// World is a saved world snapshot record. Snapshot is the embedded copy
// used when the content store cannot serve CID.
type World struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Name      string          `json:"name"`
	CID       string          `json:"cid"`
	URL       string          `json:"url"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is a normalized ledger event as stored by the backend.
type Event struct {
	ID          string         `json:"id"`
	Network     string         `json:"network"`
	Type        string         `json:"type"`
	Contract    string         `json:"contract"`
	Args        map[string]any `json:"args"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Removed     bool           `json:"removed,omitempty"`
	ObservedAt  time.Time      `json:"observed_at"`
}

type EventQuery struct {
	Type   string
	TxHash string
	Limit  int
}
