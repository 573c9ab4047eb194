package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain aggregator reader.
type ChainlinkOptions struct {
	RPCURL      string
	Aggregators map[domain.Asset]string
	Timeout     time.Duration
}

// Chainlink reads AggregatorV3 feeds over Ethereum JSON-RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]uint8
}

// NewChainlink builds an aggregator reader.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_oracle").Logger(),
		decimals: make(map[common.Address]uint8),
	}
}

// Name identifies the adapter.
func (c *Chainlink) Name() string { return "chainlink" }

// FetchLatest reads latestRoundData and returns answer × 10^-decimals.
func (c *Chainlink) FetchLatest(ctx context.Context, asset domain.Asset) (RawPrice, error) {
	if c.opts.RPCURL == "" {
		return RawPrice{}, errors.New("ethereum rpc url not configured")
	}
	hexAddr := c.opts.Aggregators[asset]
	if hexAddr == "" {
		return RawPrice{}, fmt.Errorf("chainlink aggregator address not configured for %s", asset)
	}
	if !common.IsHexAddress(hexAddr) {
		return RawPrice{}, fmt.Errorf("invalid aggregator address %q", hexAddr)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return RawPrice{}, err
	}

	addr := common.HexToAddress(hexAddr)
	dec, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return RawPrice{}, err
	}

	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return RawPrice{}, err
	}
	if len(outputs) != 5 {
		return RawPrice{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return RawPrice{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return RawPrice{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if !answer.IsInt64() {
		return RawPrice{}, fmt.Errorf("answer %s overflows int64", answer.String())
	}

	return RawPrice{
		Mantissa:    answer.Int64(),
		Exponent:    -int32(dec),
		Confidence:  decimal.Zero,
		PublishedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	c.decimalsMu.Lock()
	dec, ok := c.decimals[addr]
	c.decimalsMu.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	dec, ok = outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMu.Lock()
	c.decimals[addr] = dec
	c.decimalsMu.Unlock()
	return dec, nil
}

func call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Source = (*Chainlink)(nil)
