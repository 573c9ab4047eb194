package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
	// ackErr is returned after the transaction was accepted
	ackErr error
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return f.ackErr
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			_, mined := f.receipts[hash]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestEVM(t *testing.T) (*EVMExecutor, *fakeBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	exec, err := NewEVMExecutor(EVMOptions{
		ChainID:       8453,
		PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		TokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenDecimals: 6,
	}, zerolog.Nop())
	require.NoError(t, err)

	backend := &fakeBackend{nonce: 7, receipts: map[common.Hash]*types.Receipt{}}
	exec.backend = backend
	return exec, backend
}

func TestEVMExecutorSendsSignedTransfer(t *testing.T) {
	exec, backend := newTestEVM(t)
	req := testRequest("p")
	req.Amount = decimal.RequireFromString("1234.5")

	ref, err := exec.Initiate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, ref, Ref(tx.Hash().Hex()))
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, exec.From(), sender)

	method, err := erc20ABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(req.Destination), args[0].(common.Address))
	assert.Equal(t, big.NewInt(1_234_500_000), args[1].(*big.Int))
}

func TestEVMExecutorStatusFromReceipt(t *testing.T) {
	exec, backend := newTestEVM(t)
	ref, err := exec.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)

	status, err := exec.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	hash := common.HexToHash(string(ref))
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	status, err = exec.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}
	status, err = exec.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestEVMExecutorRejectsBadInput(t *testing.T) {
	exec, backend := newTestEVM(t)

	req := testRequest("p")
	req.Destination = "not-an-address"
	_, err := exec.Initiate(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)

	req = testRequest("p")
	req.Amount = decimal.RequireFromString("0.0000001")
	_, err = exec.Initiate(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)

	backend.sendErr = errors.New("nonce too low")
	_, err = exec.Initiate(context.Background(), testRequest("p"))
	require.ErrorIs(t, err, domain.ErrSettlementFailed)
	assert.Empty(t, backend.sent)

	var unsure *BroadcastError
	require.ErrorAs(t, err, &unsure)
	status, err := exec.Status(context.Background(), unsure.Ref)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestEVMExecutorLostAckIsTrackedNotResent(t *testing.T) {
	exec, backend := newTestEVM(t)
	g := NewGuarded(exec, NewMemoryLedger(), zerolog.Nop())
	backend.ackErr = context.DeadlineExceeded

	ref, err := g.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, Ref(backend.sent[0].Hash().Hex()), ref)

	status, err := g.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	backend.ackErr = nil
	again, err := g.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Len(t, backend.sent, 1)
}

func TestEVMExecutorRevertedTransferIsResent(t *testing.T) {
	exec, backend := newTestEVM(t)
	g := NewGuarded(exec, NewMemoryLedger(), zerolog.Nop())

	first, err := g.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	backend.receipts[common.HexToHash(string(first))] = &types.Receipt{Status: types.ReceiptStatusFailed}

	second, err := g.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(8), backend.sent[1].Nonce())
}

func TestNewEVMExecutorValidatesOptions(t *testing.T) {
	_, err := NewEVMExecutor(EVMOptions{PrivateKeyHex: "zz"}, zerolog.Nop())
	require.ErrorIs(t, err, domain.ErrValidation)

	key, _ := crypto.GenerateKey()
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))
	_, err = NewEVMExecutor(EVMOptions{PrivateKeyHex: hexKey, TokenAddress: "nope", ChainID: 1}, zerolog.Nop())
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = NewEVMExecutor(EVMOptions{PrivateKeyHex: hexKey, TokenAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}, zerolog.Nop())
	require.ErrorIs(t, err, domain.ErrValidation)
}
