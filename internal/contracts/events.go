package contracts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventType is the closed set of normalized event kinds.
type EventType string

const (
	FungibleTransfer           EventType = "fungible.transfer"
	FungibleApproval           EventType = "fungible.approval"
	CollectibleMint            EventType = "collectible.mint"
	CollectibleTransfer        EventType = "collectible.transfer"
	MarketplaceListed          EventType = "marketplace.listed"
	MarketplaceSold            EventType = "marketplace.sold"
	MarketplaceDelisted        EventType = "marketplace.delisted"
	MarketplaceBid             EventType = "marketplace.bid"
	RewardClaimed              EventType = "reward.claimed"
	GovernanceProposalCreated  EventType = "governance.proposal_created"
	GovernanceVoteCast         EventType = "governance.vote_cast"
	GovernanceProposalExecuted EventType = "governance.proposal_executed"
)

// EventTypes lists every normalized event type.
func EventTypes() []EventType {
	return []EventType{
		FungibleTransfer, FungibleApproval,
		CollectibleMint, CollectibleTransfer,
		MarketplaceListed, MarketplaceSold, MarketplaceDelisted, MarketplaceBid,
		RewardClaimed,
		GovernanceProposalCreated, GovernanceVoteCast, GovernanceProposalExecuted,
	}
}

// ParseEventType validates an event type name.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

type eventRef struct {
	family Family
	name   string
}

var eventTypes = map[eventRef]EventType{
	{FamilyFungible, "Transfer"}:            FungibleTransfer,
	{FamilyFungible, "Approval"}:            FungibleApproval,
	{FamilyCollectible, "Transfer"}:         CollectibleTransfer,
	{FamilyMarketplace, "ItemListed"}:       MarketplaceListed,
	{FamilyMarketplace, "ItemSold"}:         MarketplaceSold,
	{FamilyMarketplace, "ListingCancelled"}: MarketplaceDelisted,
	{FamilyMarketplace, "BidPlaced"}:        MarketplaceBid,
	{FamilyRewards, "RewardClaimed"}:        RewardClaimed,
	{FamilyGovernance, "ProposalCreated"}:   GovernanceProposalCreated,
	{FamilyGovernance, "VoteCast"}:          GovernanceVoteCast,
	{FamilyGovernance, "ProposalExecuted"}:  GovernanceProposalExecuted,
}

// Classify maps a decoded contract event to its normalized type. A collectible
// Transfer out of the zero address is a mint.
func Classify(f Family, eventName string, args map[string]any) (EventType, bool) {
	t, ok := eventTypes[eventRef{f, eventName}]
	if !ok {
		return "", false
	}
	if t == CollectibleTransfer {
		if from, ok := args["from"].(common.Address); ok && from == (common.Address{}) {
			return CollectibleMint, true
		}
	}
	return t, true
}

// EventSource returns the family and ABI event name that produce t.
func EventSource(t EventType) (Family, string, bool) {
	if t == CollectibleMint {
		return FamilyCollectible, "Transfer", true
	}
	for ref, et := range eventTypes {
		if et == t {
			return ref.family, ref.name, true
		}
	}
	return "", "", false
}

// DefaultEvents is the subscription set established for every network.
var DefaultEvents = map[Family][]string{
	FamilyFungible:    {"Transfer"},
	FamilyCollectible: {"Transfer"},
	FamilyMarketplace: {"ItemListed", "ItemSold"},
	FamilyRewards:     {"RewardClaimed"},
	FamilyGovernance:  {"ProposalCreated", "VoteCast"},
}
