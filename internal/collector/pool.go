package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"volatility-estimator/internal/metrics"
	"volatility-estimator/internal/price"
)

const (
	uniswapV3PoolABIJSON = `[{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}]`

	defaultPoolSource = "Uniswap"
)

var (
	uniswapV3PoolABI abi.ABI

	// q192 is 2^192, the scale of sqrtPriceX96 squared.
	q192 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 192))
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV3PoolABIJSON))
	if err != nil {
		panic("failed to parse Uniswap V3 pool ABI: " + err.Error())
	}
	uniswapV3PoolABI = parsed
}

// DialFunc opens a contract caller for an RPC endpoint.
type DialFunc func(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error)

// PoolOptions parameterise the on-chain pool collector.
type PoolOptions struct {
	RPCURL         string
	PoolAddress    string
	Token0Decimals int
	Token1Decimals int
	// Invert quotes token0 in units of token1 instead of token1 in units of token0.
	Invert     bool
	Timeout    time.Duration
	SourceName string
	Dial       DialFunc
}

// PoolCollector reads the spot price of a Uniswap V3 pool via slot0.
type PoolCollector struct {
	opts   PoolOptions
	logger zerolog.Logger
	now    func() time.Time

	clientMux sync.Mutex
	client    ethereum.ContractCaller
}

// NewPool builds an on-chain pool collector.
func NewPool(opts PoolOptions, logger zerolog.Logger) *PoolCollector {
	if opts.SourceName == "" {
		opts.SourceName = defaultPoolSource
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = dialEthClient
	}
	return &PoolCollector{
		opts:   opts,
		logger: logger.With().Str("component", "pool_collector").Str("source", opts.SourceName).Logger(),
		now:    time.Now,
	}
}

// Name returns the source tag attached to produced samples.
func (p *PoolCollector) Name() string {
	return p.opts.SourceName
}

// LatestPrice queries slot0 and converts sqrtPriceX96 into a price.
func (p *PoolCollector) LatestPrice(ctx context.Context) (price.Sample, error) {
	sample, err := p.fetch(ctx)
	metrics.RecordFetch(p.opts.SourceName, err)
	if err == nil {
		metrics.RecordPrice(p.opts.SourceName, sample.Price)
	}
	return sample, err
}

func (p *PoolCollector) fetch(ctx context.Context) (price.Sample, error) {
	if p.opts.RPCURL == "" {
		return price.Sample{}, fmt.Errorf("%w: ethereum rpc url not configured", price.ErrConnection)
	}
	if !common.IsHexAddress(p.opts.PoolAddress) {
		return price.Sample{}, fmt.Errorf("%w: invalid pool address %q", price.ErrConnection, p.opts.PoolAddress)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return price.Sample{}, fmt.Errorf("%w: dial rpc: %w", price.ErrConnection, err)
	}

	payload, err := uniswapV3PoolABI.Pack("slot0")
	if err != nil {
		return price.Sample{}, err
	}

	addr := common.HexToAddress(p.opts.PoolAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return price.Sample{}, fmt.Errorf("%w: call slot0: %w", price.ErrConnection, err)
	}

	outputs, err := uniswapV3PoolABI.Unpack("slot0", res)
	if err != nil {
		return price.Sample{}, fmt.Errorf("%w: decode slot0: %w", price.ErrProtocol, err)
	}
	if len(outputs) == 0 {
		return price.Sample{}, fmt.Errorf("%w: empty slot0 response", price.ErrProtocol)
	}
	sqrtPriceX96, ok := outputs[0].(*big.Int)
	if !ok {
		return price.Sample{}, fmt.Errorf("%w: unexpected sqrtPriceX96 type %T", price.ErrProtocol, outputs[0])
	}

	value, err := p.priceFromSqrt(sqrtPriceX96)
	if err != nil {
		return price.Sample{}, err
	}

	sample := price.Sample{
		Timestamp: p.now().UTC(),
		Price:     value,
		Source:    p.opts.SourceName,
	}
	if err := sample.Validate(); err != nil {
		return price.Sample{}, err
	}

	p.logger.Debug().Float64("price", sample.Price).Str("sqrt_price_x96", sqrtPriceX96.String()).Msg("pool price decoded")
	return sample, nil
}

// priceFromSqrt converts sqrtPriceX96 into a human-unit price using token decimals.
func (p *PoolCollector) priceFromSqrt(sqrtPriceX96 *big.Int) (float64, error) {
	if sqrtPriceX96.Sign() <= 0 {
		return 0, fmt.Errorf("%w: pool reports zero sqrtPriceX96", price.ErrData)
	}

	sqrt := new(big.Float).SetPrec(256).SetInt(sqrtPriceX96)
	ratio := new(big.Float).SetPrec(256).Mul(sqrt, sqrt)
	ratio.Quo(ratio, q192)

	// raw ratio is token1 atoms per token0 atom
	shift := p.opts.Token0Decimals - p.opts.Token1Decimals
	scale := new(big.Float).SetPrec(256).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt(shift))), nil))
	if shift >= 0 {
		ratio.Mul(ratio, scale)
	} else {
		ratio.Quo(ratio, scale)
	}

	if p.opts.Invert {
		if ratio.Sign() == 0 {
			return 0, fmt.Errorf("%w: cannot invert zero pool price", price.ErrData)
		}
		ratio.Quo(new(big.Float).SetPrec(256).SetInt64(1), ratio)
	}

	value, _ := ratio.Float64()
	if value == 0 || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: pool price out of float range", price.ErrData)
	}
	return value, nil
}

func (p *PoolCollector) getClient(ctx context.Context) (ethereum.ContractCaller, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	client, err := p.opts.Dial(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("dial returned nil client")
	}
	p.client = client
	return client, nil
}

func dialEthClient(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

var _ price.Collector = (*PoolCollector)(nil)
