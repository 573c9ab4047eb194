package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"liqguard/internal/domain"
)

const erc20TransferABIJSON = `[
{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EVMOptions configure the on-chain payout executor.
type EVMOptions struct {
	RPCURL        string
	ChainID       int64
	PrivateKeyHex string
	TokenAddress  string
	TokenDecimals uint8
	GasLimit      uint64
	Timeout       time.Duration
}

type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// EVMExecutor pays coverage as an ERC-20 transfer. The ref is the
// transaction hash; a receipt with status 1 confirms the payout. A failed
// send still returns the hash in a BroadcastError.
type EVMExecutor struct {
	opts    EVMOptions
	logger  zerolog.Logger
	key     *ecdsa.PrivateKey
	from    common.Address
	token   common.Address
	chainID *big.Int

	backendMu sync.Mutex
	backend   evmBackend

	// serialises nonce allocation
	sendMu sync.Mutex
}

// NewEVMExecutor validates opts and builds the executor. The RPC connection
// is opened on first use.
func NewEVMExecutor(opts EVMOptions, logger zerolog.Logger) (*EVMExecutor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: payout key: %w", domain.ErrValidation, err)
	}
	if !common.IsHexAddress(opts.TokenAddress) {
		return nil, fmt.Errorf("%w: invalid token address %q", domain.ErrValidation, opts.TokenAddress)
	}
	if opts.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", domain.ErrValidation)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &EVMExecutor{
		opts:    opts,
		logger:  logger.With().Str("component", "evm_executor").Logger(),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(opts.TokenAddress),
		chainID: big.NewInt(opts.ChainID),
	}, nil
}

// From is the paying account.
func (e *EVMExecutor) From() common.Address { return e.from }

func (e *EVMExecutor) Initiate(ctx context.Context, req Request) (Ref, error) {
	if !common.IsHexAddress(req.Destination) {
		return "", fmt.Errorf("%w: invalid destination %q", domain.ErrSettlementFailed, req.Destination)
	}
	units := req.Amount.Shift(int32(e.opts.TokenDecimals)).Floor()
	if !units.IsPositive() {
		return "", fmt.Errorf("%w: non-positive amount %s", domain.ErrSettlementFailed, req.Amount)
	}
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(req.Destination), units.BigInt())
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %w", domain.ErrSettlementFailed, err)
	}

	backend, err := e.getBackend(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %w", domain.ErrSettlementFailed, err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %w", domain.ErrSettlementFailed, err)
	}
	gas := e.opts.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.token, Data: data})
		if err != nil {
			return "", fmt.Errorf("%w: estimate gas: %w", domain.ErrSettlementFailed, err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %w", domain.ErrSettlementFailed, err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		// the node may have taken it before the error surfaced
		return "", &BroadcastError{
			Ref: Ref(signed.Hash().Hex()),
			Err: fmt.Errorf("%w: send: %w", domain.ErrSettlementFailed, err),
		}
	}

	e.logger.Info().
		Str("policy_id", req.PolicyID).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Msg("payout transaction sent")
	return Ref(signed.Hash().Hex()), nil
}

func (e *EVMExecutor) Status(ctx context.Context, ref Ref) (Status, error) {
	backend, err := e.getBackend(ctx)
	if err != nil {
		return "", err
	}
	hash := common.HexToHash(string(ref))
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return e.unminedStatus(ctx, backend, hash)
	}
	if err != nil {
		return "", fmt.Errorf("receipt %s: %w", ref, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}

// unminedStatus is pending while the node still knows the transaction. A tx
// it has never seen or has dropped cannot move funds.
func (e *EVMExecutor) unminedStatus(ctx context.Context, backend evmBackend, hash common.Hash) (Status, error) {
	_, _, err := backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		e.logger.Warn().Str("tx", hash.Hex()).Msg("payout transaction unknown to node")
		return StatusFailed, nil
	case err != nil:
		return "", fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	return StatusPending, nil
}

func (e *EVMExecutor) getBackend(ctx context.Context) (evmBackend, error) {
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	if e.backend != nil {
		return e.backend, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("payout rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial payout rpc: %w", err)
	}
	e.backend = client
	return client, nil
}

var _ Executor = (*EVMExecutor)(nil)
