// Package contracts holds the contract interfaces the game talks to and the
// per-network address registry built from configuration.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const fungibleABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"spender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

const collectibleABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"uri","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
		{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"Approval","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"approved","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]}
]`

const marketplaceABI = `[
	{"type":"function","name":"listItem","stateMutability":"nonpayable","inputs":[
		{"name":"nft","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"}],
		"outputs":[{"name":"listingId","type":"uint256"}]},
	{"type":"function","name":"buyItem","stateMutability":"payable","inputs":[
		{"name":"listingId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelListing","stateMutability":"nonpayable","inputs":[
		{"name":"listingId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"ItemListed","inputs":[
		{"name":"listingId","type":"uint256","indexed":true},
		{"name":"seller","type":"address","indexed":true},
		{"name":"nft","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":false},
		{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"ItemSold","inputs":[
		{"name":"listingId","type":"uint256","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"seller","type":"address","indexed":true},
		{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"ListingCancelled","inputs":[
		{"name":"listingId","type":"uint256","indexed":true},
		{"name":"seller","type":"address","indexed":true}]},
	{"type":"event","name":"BidPlaced","inputs":[
		{"name":"listingId","type":"uint256","indexed":true},
		{"name":"bidder","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

const rewardsABI = `[
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"rewardId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"RewardClaimed","inputs":[
		{"name":"rewardId","type":"uint256","indexed":true},
		{"name":"claimer","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

const governanceABI = `[
	{"type":"function","name":"castVote","stateMutability":"nonpayable","inputs":[
		{"name":"proposalId","type":"uint256"},{"name":"support","type":"bool"}],"outputs":[]},
	{"type":"event","name":"ProposalCreated","inputs":[
		{"name":"proposalId","type":"uint256","indexed":true},
		{"name":"proposer","type":"address","indexed":true},
		{"name":"description","type":"string","indexed":false}]},
	{"type":"event","name":"VoteCast","inputs":[
		{"name":"proposalId","type":"uint256","indexed":true},
		{"name":"voter","type":"address","indexed":true},
		{"name":"support","type":"bool","indexed":false},
		{"name":"weight","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalExecuted","inputs":[
		{"name":"proposalId","type":"uint256","indexed":true}]}
]`

var (
	FungibleABI    = mustParse(fungibleABI)
	CollectibleABI = mustParse(collectibleABI)
	MarketplaceABI = mustParse(marketplaceABI)
	RewardsABI     = mustParse(rewardsABI)
	GovernanceABI  = mustParse(governanceABI)
)

func mustParse(raw string) *abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: parse abi: " + err.Error())
	}
	return &a
}

// ABIFor returns the interface for a contract family.
func ABIFor(f Family) *abi.ABI {
	switch f {
	case FamilyFungible:
		return FungibleABI
	case FamilyCollectible:
		return CollectibleABI
	case FamilyMarketplace:
		return MarketplaceABI
	case FamilyRewards:
		return RewardsABI
	case FamilyGovernance:
		return GovernanceABI
	default:
		return nil
	}
}
