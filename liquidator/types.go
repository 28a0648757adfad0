package liquidator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationStatus mirrors the lifecycle states the financial contract
// assigns to a liquidation.
type LiquidationStatus uint8

const (
	StatusUninitialized LiquidationStatus = iota
	// StatusPreDispute covers liquidations inside their liveness window.
	StatusPreDispute
	// StatusPendingDispute marks liquidations contested by a disputer and
	// awaiting oracle resolution.
	StatusPendingDispute
	StatusDisputeSucceeded
	StatusDisputeFailed
)

func (s LiquidationStatus) String() string {
	switch s {
	case StatusPreDispute:
		return "pre_dispute"
	case StatusPendingDispute:
		return "pending_dispute"
	case StatusDisputeSucceeded:
		return "dispute_succeeded"
	case StatusDisputeFailed:
		return "dispute_failed"
	default:
		return "uninitialized"
	}
}

// Position is a read-only snapshot of a sponsor's open debt position.
// Snapshots are borrowed from the state cache for a single pass and
// carry no back-reference to it.
type Position struct {
	Sponsor           common.Address
	TokensOutstanding *big.Int
	Collateral        *big.Int
}

// Liquidation is a read-only snapshot of a liquidation tracked by the
// state cache. Ownership semantics match Position.
type Liquidation struct {
	ID         *big.Int
	Sponsor    common.Address
	Liquidator common.Address
	Status     LiquidationStatus
	Tokens     *big.Int
	Collateral *big.Int
}

// LiquidationProposal carries the arguments for a createLiquidation
// transaction against a single position.
type LiquidationProposal struct {
	Sponsor               common.Address
	MinPrice              *big.Int
	MaxCollateralPerToken *big.Int
	TokensToLiquidate     *big.Int
	Deadline              uint64
}

// TxnOptions are the submission parameters applied to every state
// mutating transaction.
type TxnOptions struct {
	From     common.Address
	GasLimit uint64
	GasPrice *big.Int
}

// LiquidationReceipt summarises the LiquidationCreated event emitted by
// a successful createLiquidation transaction.
type LiquidationReceipt struct {
	TxHash            common.Hash
	Sponsor           common.Address
	Liquidator        common.Address
	ID                *big.Int
	TokensOutstanding *big.Int
	LockedCollateral  *big.Int
}

// WithdrawalReceipt summarises the LiquidationWithdrawn event emitted
// by a successful withdrawLiquidation transaction.
type WithdrawalReceipt struct {
	TxHash common.Hash
	Caller common.Address
	Amount *big.Int
	Status LiquidationStatus
}
