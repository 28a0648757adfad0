package liquidator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StateCache tracks positions and liquidations from chain state. Refresh
// suspends until the latest state has been ingested; the query methods
// answer from the last refreshed snapshot.
type StateCache interface {
	Refresh(ctx context.Context) error
	// UndercollateralizedPositions returns the positions whose collateral
	// per token falls below the supplied scaled price boundary. An empty
	// slice is the normal answer when none qualify.
	UndercollateralizedPositions(priceBoundary *big.Int) []Position
	ExpiredLiquidations() []Liquidation
	DisputedLiquidations() []Liquidation
	// LastUpdateTime reports the chain timestamp of the most recent
	// refresh, in seconds.
	LastUpdateTime() uint64
	// Contract exposes the handle used to simulate and submit
	// transactions against the financial contract backing this cache.
	Contract() FinancialContract
}

// FinancialContract is the read/write surface of the on-chain contract.
// Simulate* methods perform a dry-run call with no state mutation; the
// submission methods mutate chain state and return event-bearing
// receipt summaries.
type FinancialContract interface {
	CollateralRequirement(ctx context.Context) (*big.Int, error)
	SimulateCreateLiquidation(ctx context.Context, from common.Address, proposal LiquidationProposal) error
	CreateLiquidation(ctx context.Context, proposal LiquidationProposal, opts TxnOptions) (*LiquidationReceipt, error)
	SimulateWithdrawLiquidation(ctx context.Context, from common.Address, id *big.Int, sponsor common.Address) error
	WithdrawLiquidation(ctx context.Context, id *big.Int, sponsor common.Address, opts TxnOptions) (*WithdrawalReceipt, error)
}

// GasEstimator tracks the current fast-lane gas price.
type GasEstimator interface {
	Refresh(ctx context.Context) error
	CurrentFastPrice() *big.Int
}

// PriceFeed exposes the external oracle price. CurrentPrice reports
// ok=false when the feed has no usable value; that is a routine
// condition, not an error.
type PriceFeed interface {
	Refresh(ctx context.Context) error
	CurrentPrice() (price *big.Int, ok bool)
}
