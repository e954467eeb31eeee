package contracts

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/devblac/chainforge/internal/config"
	"github.com/ethereum/go-ethereum/common"
)

// Family groups contracts sharing one interface.
type Family string

const (
	FamilyFungible    Family = "fungible"
	FamilyCollectible Family = "collectible"
	FamilyMarketplace Family = "marketplace"
	FamilyRewards     Family = "reward"
	FamilyGovernance  Family = "governance"
)

// Category is one of the fixed collectible categories.
type Category string

const (
	CategoryItem     Category = "item"
	CategoryBuilding Category = "building"
	CategoryVehicle  Category = "vehicle"
	CategoryLand     Category = "land"
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryItem, CategoryBuilding, CategoryVehicle, CategoryLand:
		return c, nil
	}
	return "", fmt.Errorf("unknown collectible category %q", s)
}

// Binding is one deployed contract. Name is the asset symbol or category for
// fungible/collectible contracts and the family name otherwise.
type Binding struct {
	Name    string
	Family  Family
	Address common.Address
}

// Registry maps one network's contract addresses to their families.
type Registry struct {
	NetworkID    string
	ChainID      *big.Int
	NativeSymbol string

	bindings []Binding
	byAddr   map[common.Address]Binding
}

// NewRegistry builds the registry for a configured network.
func NewRegistry(n config.Network) *Registry {
	r := &Registry{
		NetworkID:    n.ID,
		ChainID:      new(big.Int).SetUint64(n.ChainID),
		NativeSymbol: n.NativeSymbol,
		byAddr:       map[common.Address]Binding{},
	}
	for _, sym := range sortedKeys(n.Contracts.Assets) {
		r.add(Binding{Name: sym, Family: FamilyFungible, Address: common.HexToAddress(n.Contracts.Assets[sym])})
	}
	for _, cat := range sortedKeys(n.Contracts.Collectibles) {
		r.add(Binding{Name: cat, Family: FamilyCollectible, Address: common.HexToAddress(n.Contracts.Collectibles[cat])})
	}
	if n.Contracts.Marketplace != "" {
		r.add(Binding{Name: string(FamilyMarketplace), Family: FamilyMarketplace, Address: common.HexToAddress(n.Contracts.Marketplace)})
	}
	if n.Contracts.Rewards != "" {
		r.add(Binding{Name: string(FamilyRewards), Family: FamilyRewards, Address: common.HexToAddress(n.Contracts.Rewards)})
	}
	if n.Contracts.Governance != "" {
		r.add(Binding{Name: string(FamilyGovernance), Family: FamilyGovernance, Address: common.HexToAddress(n.Contracts.Governance)})
	}
	return r
}

func (r *Registry) add(b Binding) {
	r.bindings = append(r.bindings, b)
	r.byAddr[b.Address] = b
}

// Lookup finds the binding deployed at addr.
func (r *Registry) Lookup(addr common.Address) (Binding, bool) {
	if r == nil {
		return Binding{}, false
	}
	b, ok := r.byAddr[addr]
	return b, ok
}

// Bindings returns every contract in registration order.
func (r *Registry) Bindings() []Binding {
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// Asset resolves a fungible asset symbol.
func (r *Registry) Asset(symbol string) (common.Address, bool) {
	return r.named(FamilyFungible, symbol)
}

// Assets lists configured fungible asset symbols.
func (r *Registry) Assets() []string {
	var out []string
	for _, b := range r.bindings {
		if b.Family == FamilyFungible {
			out = append(out, b.Name)
		}
	}
	return out
}

// Collectible resolves the contract for a category.
func (r *Registry) Collectible(c Category) (common.Address, bool) {
	return r.named(FamilyCollectible, string(c))
}

// Singleton resolves the marketplace, rewards or governance contract.
func (r *Registry) Singleton(f Family) (common.Address, bool) {
	return r.named(f, string(f))
}

func (r *Registry) named(f Family, name string) (common.Address, bool) {
	for _, b := range r.bindings {
		if b.Family == f && strings.EqualFold(b.Name, name) {
			return b.Address, true
		}
	}
	return common.Address{}, false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
