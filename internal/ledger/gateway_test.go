package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/logging"
	"github.com/devblac/chainforge/internal/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	player  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	gold    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	landNFT = common.HexToAddress("0x00000000000000000000000000000000000000b4")
	market  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func testRegistry() *contracts.Registry {
	return contracts.NewRegistry(config.Network{
		ID:           "test",
		ChainID:      84532,
		NativeSymbol: "ETH",
		Contracts: config.Contracts{
			Assets:       map[string]string{"GOLD": gold.Hex()},
			Collectibles: map[string]string{"land": landNFT.Hex()},
			Marketplace:  market.Hex(),
			Rewards:      "0x00000000000000000000000000000000000000d1",
			Governance:   "0x00000000000000000000000000000000000000e1",
		},
	})
}

type callHandler func(to common.Address, args []any) ([]any, error)

type fakeChain struct {
	mu           sync.Mutex
	handlers     map[string]callHandler
	reverted     map[common.Hash]bool
	pendingPolls int
	polls        int
	block        bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{handlers: map[string]callHandler{}, reverted: map[common.Hash]bool{}}
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, a := range []*abi.ABI{contracts.CollectibleABI, contracts.FungibleABI} {
		method, err := a.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		h, ok := c.handlers[method.Name]
		if !ok {
			return nil, fmt.Errorf("no handler for %s", method.Name)
		}
		out, err := h(*msg.To, args)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(out...)
	}
	return nil, errors.New("unknown selector")
}

func (c *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(42), nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.polls <= c.pendingPolls {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if c.reverted[hash] {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(10)}, nil
}

type fakeSigner struct {
	chainID uint64
	calls   []wallet.Call
	errs    []error
}

func (s *fakeSigner) CurrentAddress() (common.Address, error) { return player, nil }
func (s *fakeSigner) CurrentNetworkID() (uint64, error)       { return s.chainID, nil }

func (s *fakeSigner) SendTransaction(_ context.Context, call wallet.Call) (common.Hash, error) {
	s.calls = append(s.calls, call)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	return common.BigToHash(big.NewInt(int64(len(s.calls)))), nil
}

// rpcRevert mimics a JSON-RPC error carrying Error(string) revert data.
type rpcRevert struct {
	data string
}

func (e rpcRevert) Error() string          { return "execution reverted" }
func (e rpcRevert) ErrorData() interface{} { return e.data }

func revertWith(t *testing.T, reason string) rpcRevert {
	t.Helper()
	strTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	require.NoError(t, err)
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	return rpcRevert{data: hexutil.Encode(data)}
}

func newGateway(chain *fakeChain, signer *fakeSigner) *Gateway {
	return New(chain, signer, testRegistry(), Options{PollInterval: time.Millisecond, ReadTimeout: time.Second}, logging.Discard())
}

func TestTransferFungibleValidatesBeforeSigning(t *testing.T) {
	signer := &fakeSigner{chainID: 84532}
	g := newGateway(newFakeChain(), signer)

	_, err := g.TransferFungible(context.Background(), "GOLD", "0xnope", big.NewInt(1))
	assert.True(t, fault.Is(err, fault.InvalidInput))

	_, err = g.TransferFungible(context.Background(), "GOLD", player.Hex(), big.NewInt(0))
	assert.True(t, fault.Is(err, fault.InvalidInput))

	_, err = g.TransferFungible(context.Background(), "SILVER", player.Hex(), big.NewInt(1))
	assert.True(t, fault.Is(err, fault.InvalidInput))

	assert.Empty(t, signer.calls)
}

func TestTransferFungibleWaitsForReceipt(t *testing.T) {
	chain := newFakeChain()
	chain.pendingPolls = 2
	signer := &fakeSigner{chainID: 84532}
	g := newGateway(chain, signer)

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	rcpt, err := g.TransferFungible(context.Background(), "gold", to.Hex(), big.NewInt(500))
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
	assert.Equal(t, uint64(10), rcpt.BlockNumber)
	assert.Equal(t, 3, chain.polls)

	require.Len(t, signer.calls, 1)
	assert.Equal(t, gold, signer.calls[0].To)
	args, err := contracts.FungibleABI.Methods["transfer"].Inputs.Unpack(signer.calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, to, args[0])
	assert.Equal(t, int64(500), args[1].(*big.Int).Int64())
}

func TestWrongNetworkIsInvalidInput(t *testing.T) {
	signer := &fakeSigner{chainID: 1}
	g := newGateway(newFakeChain(), signer)

	_, err := g.ClaimReward(context.Background(), big.NewInt(1))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidInput))
	assert.Empty(t, signer.calls)
}

func TestSendErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"insufficient", errors.New("insufficient funds for gas * price + value"), fault.InsufficientFunds},
		{"rejected", fault.Wrap(fault.UserRejected, "wallet.send", wallet.ErrUserRejected), fault.UserRejected},
		{"timeout", context.DeadlineExceeded, fault.NetworkUnavailable},
		{"erc20", revertWith(t, "ERC20: transfer amount exceeds balance"), fault.InsufficientFunds},
		{"other revert", revertWith(t, "paused"), fault.UpstreamFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signer := &fakeSigner{chainID: 84532, errs: []error{tc.err}}
			g := newGateway(newFakeChain(), signer)
			_, err := g.TransferFungible(context.Background(), "GOLD", player.Hex(), big.NewInt(1))
			require.Error(t, err)
			assert.Equal(t, tc.want, fault.KindOf(err))
		})
	}
}

func TestBuyFromMarketStaleListing(t *testing.T) {
	signer := &fakeSigner{chainID: 84532, errs: []error{revertWith(t, "Listing not active")}}
	g := newGateway(newFakeChain(), signer)

	_, err := g.BuyFromMarket(context.Background(), big.NewInt(4), big.NewInt(1000))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.StaleState))
	assert.Contains(t, err.Error(), "Listing not active")

	require.Len(t, signer.calls, 1)
	assert.Equal(t, market, signer.calls[0].To)
	assert.Equal(t, int64(1000), signer.calls[0].Value.Int64())
}

func TestRevertedReceipt(t *testing.T) {
	chain := newFakeChain()
	chain.reverted[common.BigToHash(big.NewInt(1))] = true
	g := newGateway(chain, &fakeSigner{chainID: 84532})

	rcpt, err := g.MintCollectible(context.Background(), contracts.CategoryLand, "https://gw/ipfs/meta")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.UpstreamFailure))
	assert.False(t, rcpt.Success)
	assert.Equal(t, common.BigToHash(big.NewInt(1)), rcpt.TxHash)
}

func TestListOnMarketKeepsApprovalOnFailure(t *testing.T) {
	signer := &fakeSigner{chainID: 84532, errs: []error{nil, fault.Wrap(fault.UserRejected, "wallet.send", wallet.ErrUserRejected)}}
	g := newGateway(newFakeChain(), signer)

	rcpt, err := g.ListOnMarket(context.Background(), landNFT, big.NewInt(7), big.NewInt(900))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.UserRejected))
	assert.Equal(t, common.BigToHash(big.NewInt(1)), rcpt.ApprovalTx)

	require.Len(t, signer.calls, 2)
	assert.Equal(t, landNFT, signer.calls[0].To)
	approve, err := contracts.CollectibleABI.Methods["approve"].Inputs.Unpack(signer.calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, market, approve[0])
	assert.Equal(t, market, signer.calls[1].To)
}

func TestOwnerOf(t *testing.T) {
	chain := newFakeChain()
	chain.handlers["ownerOf"] = func(_ common.Address, args []any) ([]any, error) {
		switch args[0].(*big.Int).Int64() {
		case 1:
			return []any{player}, nil
		case 2:
			return nil, revertWith(t, "ERC721: invalid token ID")
		default:
			return nil, context.DeadlineExceeded
		}
	}
	g := newGateway(chain, &fakeSigner{chainID: 84532})

	owner, err := g.OwnerOf(context.Background(), contracts.CategoryLand, big.NewInt(1))
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, player, *owner)

	owner, err = g.OwnerOf(context.Background(), contracts.CategoryLand, big.NewInt(2))
	require.NoError(t, err)
	assert.Nil(t, owner)

	_, err = g.OwnerOf(context.Background(), contracts.CategoryLand, big.NewInt(3))
	assert.True(t, fault.Is(err, fault.NetworkUnavailable))

	_, err = g.OwnerOf(context.Background(), contracts.CategoryVehicle, big.NewInt(1))
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestReadTimeoutIsNetworkUnavailable(t *testing.T) {
	chain := newFakeChain()
	chain.block = true
	g := New(chain, &fakeSigner{chainID: 84532}, testRegistry(), Options{ReadTimeout: 20 * time.Millisecond}, logging.Discard())

	_, err := g.FungibleBalance(context.Background(), "GOLD", player)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NetworkUnavailable))
}

func TestCollectiblesOwnedBy(t *testing.T) {
	chain := newFakeChain()
	chain.handlers["balanceOf"] = func(common.Address, []any) ([]any, error) {
		return []any{big.NewInt(3)}, nil
	}
	chain.handlers["tokenOfOwnerByIndex"] = func(_ common.Address, args []any) ([]any, error) {
		idx := args[1].(*big.Int).Int64()
		if idx == 1 {
			return nil, errors.New("connection reset")
		}
		return []any{big.NewInt(100 + idx)}, nil
	}
	g := newGateway(chain, &fakeSigner{chainID: 84532})

	ids, err := g.CollectiblesOwnedBy(context.Background(), contracts.CategoryLand, player)
	require.Error(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, int64(100), ids[0].Int64())

	chain.handlers["balanceOf"] = func(common.Address, []any) ([]any, error) {
		return nil, errors.New("connection reset")
	}
	ids, err = g.CollectiblesOwnedBy(context.Background(), contracts.CategoryLand, player)
	require.Error(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestBalanceReaderSurface(t *testing.T) {
	chain := newFakeChain()
	chain.handlers["balanceOf"] = func(to common.Address, _ []any) ([]any, error) {
		assert.Equal(t, gold, to)
		return []any{big.NewInt(77)}, nil
	}
	g := newGateway(chain, &fakeSigner{chainID: 84532})

	var reader wallet.BalanceReader = g
	assert.Equal(t, []string{"GOLD"}, reader.Assets())
	assert.Equal(t, "ETH", reader.NativeSymbol())

	bal, err := reader.FungibleBalance(context.Background(), "GOLD", player)
	require.NoError(t, err)
	assert.Equal(t, int64(77), bal.Int64())

	native, err := reader.NativeBalance(context.Background(), player)
	require.NoError(t, err)
	assert.Equal(t, int64(42), native.Int64())
}
