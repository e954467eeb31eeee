package wallet

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeNode struct {
	sent []*types.Transaction
}

func (n *fakeNode) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (n *fakeNode) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (n *fakeNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 60_000, nil }

func (n *fakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.sent = append(n.sent, tx)
	return nil
}

func TestKeyAgentSendsSignedTransaction(t *testing.T) {
	node := &fakeNode{}
	agent, err := NewKeyAgent(testKey, map[uint64]NodeClient{84532: node}, 84532)
	require.NoError(t, err)

	addr, err := agent.Connect(context.Background())
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	hash, err := agent.SendTransaction(context.Background(), Call{To: to, Data: []byte{0x01}, Value: big.NewInt(5)})
	require.NoError(t, err)
	require.Len(t, node.sent, 1)

	tx := node.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, int64(5), tx.Value().Int64())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, addr, from)
}

func TestKeyAgentPersonalSign(t *testing.T) {
	agent, err := NewKeyAgent(testKey, map[uint64]NodeClient{1: &fakeNode{}}, 1)
	require.NoError(t, err)

	sig, err := agent.SignMessage(context.Background(), []byte("login"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("login")), raw)
	require.NoError(t, err)
	addr, _ := agent.Connect(context.Background())
	assert.Equal(t, addr, crypto.PubkeyToAddress(*pub))
}

func TestKeyAgentSwitchNetwork(t *testing.T) {
	agent, err := NewKeyAgent(testKey, map[uint64]NodeClient{1: &fakeNode{}, 84532: &fakeNode{}}, 1)
	require.NoError(t, err)

	require.Error(t, agent.SwitchNetwork(context.Background(), 999))
	require.NoError(t, agent.SwitchNetwork(context.Background(), 84532))

	ch := <-agent.Changes()
	assert.Equal(t, NetworkChanged, ch.Kind)
	assert.Equal(t, uint64(84532), ch.ChainID)

	id, _ := agent.ChainID(context.Background())
	assert.Equal(t, uint64(84532), id)
}

func TestNewKeyAgentRejectsBadInput(t *testing.T) {
	_, err := NewKeyAgent("zz", map[uint64]NodeClient{1: &fakeNode{}}, 1)
	assert.Error(t, err)

	_, err = NewKeyAgent(testKey, map[uint64]NodeClient{}, 1)
	assert.Error(t, err)
}
