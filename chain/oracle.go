package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// aggregatorABI is the read surface of a Chainlink-style price
// aggregator.
const aggregatorABI = `[
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}
]`

const priceScaleDecimals = 18

// PriceFeed reads the synthetic's reference price from an on-chain
// aggregator and normalises it to 18 decimals. A price is only
// reported while the latest round is positive and, when a max age is
// configured, fresh enough.
type PriceFeed struct {
	backend Backend
	address common.Address
	abi     abi.ABI
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	decimals  *uint8
	price     *big.Int
	updatedAt uint64
}

// NewPriceFeed binds a price feed to the aggregator at address. maxAge
// of zero disables staleness checks.
func NewPriceFeed(backend Backend, address common.Address, maxAge time.Duration, logger *slog.Logger) (*PriceFeed, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse aggregator abi: %w", err)
	}
	return &PriceFeed{
		backend: backend,
		address: address,
		abi:     parsed,
		maxAge:  maxAge,
		logger:  logger.With("component", "price_feed"),
		now:     time.Now,
	}, nil
}

// Refresh re-reads the latest aggregator round. The feed's decimals are
// fetched once and cached for the life of the process.
func (f *PriceFeed) Refresh(ctx context.Context) error {
	decimals, err := f.feedDecimals(ctx)
	if err != nil {
		return err
	}
	data, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return fmt.Errorf("chain: pack latestRoundData: %w", err)
	}
	out, err := f.backend.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("chain: latestRoundData: %w", err)
	}
	values, err := f.abi.Unpack("latestRoundData", out)
	if err != nil {
		return fmt.Errorf("chain: unpack latestRoundData: %w", err)
	}
	answer, _ := values[1].(*big.Int)
	updatedAt, _ := values[3].(*big.Int)
	if answer == nil || updatedAt == nil {
		return fmt.Errorf("chain: latestRoundData returned unexpected shape")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if answer.Sign() <= 0 {
		f.price = nil
		f.logger.Warn("aggregator reported non-positive answer", "answer", answer.String())
		return nil
	}
	f.price = rescale(answer, decimals)
	f.updatedAt = updatedAt.Uint64()
	return nil
}

// CurrentPrice returns the normalised price, or ok=false when no
// usable price is available.
func (f *PriceFeed) CurrentPrice() (*big.Int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil || f.updatedAt == 0 {
		return nil, false
	}
	if f.maxAge > 0 {
		age := f.now().Sub(time.Unix(int64(f.updatedAt), 0))
		if age > f.maxAge {
			return nil, false
		}
	}
	return new(big.Int).Set(f.price), true
}

func (f *PriceFeed) feedDecimals(ctx context.Context) (uint8, error) {
	f.mu.RLock()
	cached := f.decimals
	f.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	data, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: pack decimals: %w", err)
	}
	out, err := f.backend.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: feed decimals: %w", err)
	}
	values, err := f.abi.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("chain: unpack decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: decimals returned unexpected type %T", values[0])
	}
	if decimals > priceScaleDecimals {
		return 0, fmt.Errorf("chain: unsupported feed decimals %d", decimals)
	}
	f.mu.Lock()
	f.decimals = &decimals
	f.mu.Unlock()
	return decimals, nil
}

func rescale(answer *big.Int, decimals uint8) *big.Int {
	shift := priceScaleDecimals - int(decimals)
	if shift == 0 {
		return new(big.Int).Set(answer)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)
	return new(big.Int).Mul(answer, factor)
}
