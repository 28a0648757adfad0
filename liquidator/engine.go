// Package liquidator implements the decision-and-orchestration engine
// that scans for undercollateralized positions and drives the
// simulate-then-submit transaction protocol for liquidations and reward
// withdrawals.
package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"liquidatord/fixedpoint"
	"liquidatord/observability"
)

var (
	errNilCache = errors.New("liquidator: state cache not configured")
	errNilGas   = errors.New("liquidator: gas estimator not configured")
	errNilFeed  = errors.New("liquidator: price feed not configured")

	// ErrPriceUnavailable aborts a liquidation pass when the oracle has
	// no current value. It never escapes a withdrawal pass.
	ErrPriceUnavailable = errors.New("liquidator: price feed value unavailable")
)

const (
	opLiquidate = "liquidate"
	opWithdraw  = "withdraw_rewards"
)

// Liquidator composes the state cache, gas estimator, and price feed
// into the two public scan-and-act operations. Each call performs a
// full pass independent of prior calls; items within a pass are
// processed strictly sequentially so that transaction ordering against
// the operator account stays deterministic.
type Liquidator struct {
	account common.Address
	policy  Policy
	cache   StateCache
	gas     GasEstimator
	feed    PriceFeed
	logger  *slog.Logger
	metrics *observability.LiquidatorMetrics

	// collateralRequirement is fetched from the contract once per
	// process lifetime and never refetched. The mutex guards the single
	// initialisation when the host overlaps passes.
	crMu                  sync.Mutex
	collateralRequirement *big.Int
}

// New constructs a Liquidator acting on behalf of the operator account.
func New(account common.Address, policy Policy, cache StateCache, gas GasEstimator, feed PriceFeed, logger *slog.Logger) (*Liquidator, error) {
	if cache == nil {
		return nil, errNilCache
	}
	if gas == nil {
		return nil, errNilGas
	}
	if feed == nil {
		return nil, errNilFeed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Liquidator{
		account: account,
		policy:  policy,
		cache:   cache,
		gas:     gas,
		feed:    feed,
		logger:  logger.With("component", "liquidator"),
		metrics: observability.Liquidator(),
	}, nil
}

// Refresh ingests the latest chain state, gas estimate, and oracle
// price, and lazily caches the contract's collateral requirement on the
// first successful pass. Refresh failures propagate to the caller;
// retrying them is the collaborator's responsibility.
func (l *Liquidator) Refresh(ctx context.Context) error {
	if err := l.cache.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state cache: %w", err)
	}
	if err := l.gas.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh gas estimator: %w", err)
	}
	if err := l.feed.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh price feed: %w", err)
	}
	return l.ensureCollateralRequirement(ctx)
}

func (l *Liquidator) ensureCollateralRequirement(ctx context.Context) error {
	l.crMu.Lock()
	defer l.crMu.Unlock()
	if l.collateralRequirement != nil {
		return nil
	}
	value, err := l.cache.Contract().CollateralRequirement(ctx)
	if err != nil {
		return fmt.Errorf("fetch collateral requirement: %w", err)
	}
	l.collateralRequirement = new(big.Int).Set(value)
	return nil
}

func (l *Liquidator) collateralRequirementValue() *big.Int {
	l.crMu.Lock()
	defer l.crMu.Unlock()
	return l.collateralRequirement
}

// QueryAndLiquidate refreshes state, scans for positions below the
// safety-margin price boundary, and runs the simulate-then-submit
// protocol for each. Per-item failures are isolated: one bad position
// never blocks the rest of the batch.
func (l *Liquidator) QueryAndLiquidate(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { l.metrics.ObservePass(opLiquidate, time.Since(start), err) }()

	logger := l.logger.With("operation", opLiquidate, "pass_id", uuid.NewString())

	if err = l.Refresh(ctx); err != nil {
		return err
	}

	price, ok := l.feed.CurrentPrice()
	if !ok {
		logger.Warn("price feed has no current value, aborting pass")
		return ErrPriceUnavailable
	}

	scaledPrice, maxCollateralPerToken := LiquidationBoundary(price, l.policy.CRThreshold, l.collateralRequirementValue())

	positions := l.cache.UndercollateralizedPositions(scaledPrice)
	if len(positions) == 0 {
		logger.Debug("no undercollateralized positions",
			"price", fixedpoint.ToDecimal(price),
			"boundary", fixedpoint.ToDecimal(scaledPrice))
		return nil
	}
	l.metrics.RecordCandidates(opLiquidate, len(positions))

	for _, position := range positions {
		outcome := l.liquidatePosition(ctx, position, maxCollateralPerToken)
		l.logLiquidationOutcome(logger, position, outcome)
		l.metrics.RecordOutcome(opLiquidate, outcome.Kind.String(), outcome.Stage.String())
	}

	if err = l.cache.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state cache after liquidations: %w", err)
	}
	return nil
}

// liquidatePosition resolves one scanned position to a terminal
// outcome. The transaction deadline is recomputed from the cache
// timestamp here, per position, so long loops cannot produce deadlines
// anchored to a stale read.
func (l *Liquidator) liquidatePosition(ctx context.Context, position Position, maxCollateralPerToken *big.Int) Outcome {
	proposal := LiquidationProposal{
		Sponsor:               position.Sponsor,
		MinPrice:              l.policy.LiquidationMinPrice,
		MaxCollateralPerToken: maxCollateralPerToken,
		TokensToLiquidate:     position.TokensOutstanding,
		Deadline:              l.cache.LastUpdateTime() + l.policy.LiquidationDeadline,
	}

	contract := l.cache.Contract()
	if err := contract.SimulateCreateLiquidation(ctx, l.account, proposal); err != nil {
		return failedOutcome(StageSimulation, err)
	}

	receipt, err := contract.CreateLiquidation(ctx, proposal, l.txnOptions())
	if err != nil {
		return failedOutcome(StageSubmission, err)
	}
	return Outcome{Kind: OutcomeSucceeded, Liquidation: receipt}
}

func (l *Liquidator) logLiquidationOutcome(logger *slog.Logger, position Position, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSucceeded:
		receipt := outcome.Liquidation
		logger.Info("liquidation submitted",
			"tx", receipt.TxHash.Hex(),
			"sponsor", receipt.Sponsor.Hex(),
			"liquidator", receipt.Liquidator.Hex(),
			"liquidation_id", receipt.ID,
			"tokens_outstanding", receipt.TokensOutstanding,
			"locked_collateral", receipt.LockedCollateral)
	case OutcomeFailed:
		switch outcome.Stage {
		case StageSimulation:
			// Simulation failures are reported as balance or allowance
			// shortfalls even when the underlying revert has another cause;
			// the contract does not distinguish them for us.
			logger.Error("liquidation simulation failed, insufficient synthetic balance or allowance",
				"sponsor", position.Sponsor.Hex(),
				"tokens_outstanding", position.TokensOutstanding,
				"collateral", position.Collateral,
				"err", outcome.Err)
		default:
			logger.Error("liquidation submission failed",
				"sponsor", position.Sponsor.Hex(),
				"tokens_outstanding", position.TokensOutstanding,
				"err", outcome.Err)
		}
	}
}

// QueryAndWithdrawRewards refreshes state and withdraws rewards from
// resolved liquidations owned by the operator account. A failed
// withdrawal simulation is the routine "nothing left to withdraw" case,
// not an operator-visible failure.
func (l *Liquidator) QueryAndWithdrawRewards(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { l.metrics.ObservePass(opWithdraw, time.Since(start), err) }()

	logger := l.logger.With("operation", opWithdraw, "pass_id", uuid.NewString())

	if err = l.Refresh(ctx); err != nil {
		return err
	}

	candidates := l.withdrawalCandidates()
	if len(candidates) == 0 {
		logger.Debug("no resolved liquidations owned by operator")
		return nil
	}
	l.metrics.RecordCandidates(opWithdraw, len(candidates))

	for _, liquidation := range candidates {
		outcome := l.withdrawLiquidation(ctx, liquidation)
		l.logWithdrawalOutcome(logger, liquidation, outcome)
		l.metrics.RecordOutcome(opWithdraw, outcome.Kind.String(), outcome.Stage.String())
	}

	if err = l.cache.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state cache after withdrawals: %w", err)
	}
	return nil
}

// withdrawalCandidates builds the deduplicated union of expired and
// disputed liquidations filtered to those the operator created. The set
// is built from status alone: candidates may legitimately have nothing
// left to withdraw.
func (l *Liquidator) withdrawalCandidates() []Liquidation {
	expired := l.cache.ExpiredLiquidations()
	disputed := l.cache.DisputedLiquidations()

	seen := make(map[string]struct{}, len(expired)+len(disputed))
	candidates := make([]Liquidation, 0, len(expired)+len(disputed))
	for _, liquidation := range append(append([]Liquidation{}, expired...), disputed...) {
		if liquidation.Liquidator != l.account {
			continue
		}
		key := liquidation.Sponsor.Hex()
		if liquidation.ID != nil {
			key += ":" + liquidation.ID.String()
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, liquidation)
	}
	return candidates
}

func (l *Liquidator) withdrawLiquidation(ctx context.Context, liquidation Liquidation) Outcome {
	contract := l.cache.Contract()
	if err := contract.SimulateWithdrawLiquidation(ctx, l.account, liquidation.ID, liquidation.Sponsor); err != nil {
		return skippedOutcome(StageSimulation, err)
	}

	receipt, err := contract.WithdrawLiquidation(ctx, liquidation.ID, liquidation.Sponsor, l.txnOptions())
	if err != nil {
		return failedOutcome(StageSubmission, err)
	}
	return Outcome{Kind: OutcomeSucceeded, Withdrawal: receipt}
}

func (l *Liquidator) logWithdrawalOutcome(logger *slog.Logger, liquidation Liquidation, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSucceeded:
		receipt := outcome.Withdrawal
		logger.Info("liquidation rewards withdrawn",
			"tx", receipt.TxHash.Hex(),
			"caller", receipt.Caller.Hex(),
			"amount", receipt.Amount,
			"status", receipt.Status.String(),
			"sponsor", liquidation.Sponsor.Hex(),
			"liquidation_id", liquidation.ID)
	case OutcomeSkipped:
		logger.Debug("no rewards available to withdraw",
			"sponsor", liquidation.Sponsor.Hex(),
			"liquidation_id", liquidation.ID,
			"status", liquidation.Status.String(),
			"err", outcome.Err)
	case OutcomeFailed:
		logger.Error("withdrawal submission failed",
			"sponsor", liquidation.Sponsor.Hex(),
			"liquidation_id", liquidation.ID,
			"err", outcome.Err)
	}
}

func (l *Liquidator) txnOptions() TxnOptions {
	return TxnOptions{
		From:     l.account,
		GasLimit: l.policy.TxnGasLimit,
		GasPrice: l.gas.CurrentFastPrice(),
	}
}
