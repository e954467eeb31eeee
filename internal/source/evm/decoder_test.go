package evm

import (
	"math/big"
	"testing"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestDecodeMarketplaceSale(t *testing.T) {
	dec := NewDecoder(testRegistry())
	buyer := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	seller := common.HexToAddress("0x0000000000000000000000000000000000000a11")

	data, err := contracts.MarketplaceABI.Events["ItemSold"].Inputs.NonIndexed().Pack(big.NewInt(2500))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	lg := types.Log{
		Address: common.HexToAddress(testMarket),
		Topics: []common.Hash{
			contracts.MarketplaceABI.Events["ItemSold"].ID,
			common.BigToHash(big.NewInt(9)),
			addrTopic(buyer),
			addrTopic(seller),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: 12,
		Index:       4,
	}

	ev, ok, err := dec.Decode(lg)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if ev.Type != contracts.MarketplaceSold || ev.Binding != "marketplace" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ID() != common.HexToHash("0xabc").Hex()+":4" {
		t.Fatalf("unexpected id %s", ev.ID())
	}
	plain := ev.PlainArgs()
	if plain["price"] != "2500" || plain["listingId"] != "9" {
		t.Fatalf("unexpected args: %v", plain)
	}
	if plain["buyer"] != buyer.Hex() {
		t.Fatalf("buyer not decoded: %v", plain["buyer"])
	}
}

func TestDecodeSkipsUnknownLogs(t *testing.T) {
	dec := NewDecoder(testRegistry())

	foreign := mintLog(1, common.HexToAddress("0x02"), 1)
	foreign.Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if _, ok, err := dec.Decode(foreign); ok || err != nil {
		t.Fatalf("unknown contract should be skipped: ok=%v err=%v", ok, err)
	}

	unknownTopic := mintLog(1, common.HexToAddress("0x02"), 1)
	unknownTopic.Topics[0] = common.HexToHash("0xdeadbeef")
	if _, ok, err := dec.Decode(unknownTopic); ok || err != nil {
		t.Fatalf("unknown topic should be skipped: ok=%v err=%v", ok, err)
	}

	approval := mintLog(1, common.HexToAddress("0x02"), 1)
	approval.Topics[0] = contracts.CollectibleABI.Events["Approval"].ID
	if _, ok, err := dec.Decode(approval); ok || err != nil {
		t.Fatalf("approval is not a normalized event: ok=%v err=%v", ok, err)
	}
}

func TestDecodeKeepsRemovedFlag(t *testing.T) {
	dec := NewDecoder(testRegistry())
	lg := mintLog(3, common.HexToAddress("0x02"), 5)
	lg.Removed = true

	ev, ok, err := dec.Decode(lg)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if !ev.Removed || ev.Type != contracts.CollectibleMint {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
