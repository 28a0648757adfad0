package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"liquidatord/observability"
)

const bpsDenominator = 10_000

// GasEstimator derives a "fast" gas price from the node's suggestion by
// applying a basis-point premium. The premium buys inclusion priority
// during the short window in which a liquidation is still profitable.
type GasEstimator struct {
	backend    Backend
	premiumBps uint64
	metrics    *observability.LiquidatorMetrics

	mu   sync.RWMutex
	fast *big.Int
}

// NewGasEstimator returns an estimator that marks up the suggested gas
// price by premiumBps basis points (12_500 means 1.25x).
func NewGasEstimator(backend Backend, premiumBps uint64) (*GasEstimator, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if premiumBps < bpsDenominator {
		return nil, fmt.Errorf("chain: gas premium %d bps must be at least %d", premiumBps, bpsDenominator)
	}
	return &GasEstimator{
		backend:    backend,
		premiumBps: premiumBps,
		metrics:    observability.Liquidator(),
	}, nil
}

// Refresh re-queries the node's suggested gas price and recomputes the
// fast price.
func (g *GasEstimator) Refresh(ctx context.Context) error {
	suggested, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("chain: suggest gas price: %w", err)
	}
	fast := new(big.Int).Mul(suggested, new(big.Int).SetUint64(g.premiumBps))
	fast.Div(fast, big.NewInt(bpsDenominator))
	g.mu.Lock()
	g.fast = fast
	g.mu.Unlock()
	g.metrics.SetFastGasPrice(fast)
	return nil
}

// CurrentFastPrice returns the last computed fast gas price, or nil
// before the first successful refresh.
func (g *GasEstimator) CurrentFastPrice() *big.Int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.fast == nil {
		return nil
	}
	return new(big.Int).Set(g.fast)
}
