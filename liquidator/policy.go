package liquidator

import (
	"fmt"
	"math/big"

	"liquidatord/fixedpoint"
)

// Transaction gas limit bounds. The lower bound keeps complex
// liquidations from running out of gas; the upper bound stays below the
// block gas ceiling of the target networks.
const (
	minTxnGasLimit = 6_000_000
	maxTxnGasLimit = 15_000_000
)

// Policy defaults applied when an override is absent.
const (
	defaultCRThreshold         = "0.02"
	defaultLiquidationDeadline = int64(300)
	defaultLiquidationMinPrice = "0"
	defaultTxnGasLimit         = uint64(9_000_000)
)

// Policy freezes the tunable parameters steering the liquidation
// engine. Construct it through NewPolicy; the zero value is not valid.
type Policy struct {
	// CRThreshold widens the band of positions considered unsafe by this
	// scaled fraction below the nominal collateralization minimum.
	CRThreshold *big.Int
	// LiquidationDeadline is the number of seconds past the cache
	// timestamp after which a submitted liquidation expires.
	LiquidationDeadline uint64
	// LiquidationMinPrice is the scaled minimum price attached to every
	// liquidation proposal.
	LiquidationMinPrice *big.Int
	// TxnGasLimit is the gas limit applied to every submitted transaction.
	TxnGasLimit uint64
}

// PolicyOverrides carries optional caller-supplied values for the
// policy keys. Nil fields fall back to the documented defaults.
type PolicyOverrides struct {
	CRThreshold         *string
	LiquidationDeadline *int64
	LiquidationMinPrice *string
	TxnGasLimit         *uint64
}

// PolicyError reports a policy override rejected by its validator.
type PolicyError struct {
	Key   string
	Value string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("liquidator: invalid policy value %q for %s", e.Value, e.Key)
}

// Validator predicates, one per policy key. Defaults are pre-validated;
// the predicates run against overrides only.
var (
	validCRThreshold = func(v *big.Int) bool {
		return v.Sign() >= 0 && v.Cmp(fixedpoint.One()) < 0
	}
	validLiquidationDeadline = func(v int64) bool { return v >= 0 }
	validLiquidationMinPrice = func(v *big.Int) bool { return v.Sign() >= 0 }
	validTxnGasLimit         = func(v uint64) bool { return v >= minTxnGasLimit && v < maxTxnGasLimit }
)

// NewPolicy resolves the overrides against the default table and
// validates every supplied value. Construction fails with a
// *PolicyError naming the offending key on the first violation.
func NewPolicy(overrides PolicyOverrides) (Policy, error) {
	crThreshold, err := resolveScaled("crThreshold", defaultCRThreshold, overrides.CRThreshold, validCRThreshold)
	if err != nil {
		return Policy{}, err
	}

	deadline := defaultLiquidationDeadline
	if overrides.LiquidationDeadline != nil {
		deadline = *overrides.LiquidationDeadline
		if !validLiquidationDeadline(deadline) {
			return Policy{}, &PolicyError{Key: "liquidationDeadline", Value: fmt.Sprintf("%d", deadline)}
		}
	}

	minPrice, err := resolveScaled("liquidationMinPrice", defaultLiquidationMinPrice, overrides.LiquidationMinPrice, validLiquidationMinPrice)
	if err != nil {
		return Policy{}, err
	}

	gasLimit := defaultTxnGasLimit
	if overrides.TxnGasLimit != nil {
		gasLimit = *overrides.TxnGasLimit
		if !validTxnGasLimit(gasLimit) {
			return Policy{}, &PolicyError{Key: "txnGasLimit", Value: fmt.Sprintf("%d", gasLimit)}
		}
	}

	return Policy{
		CRThreshold:         crThreshold,
		LiquidationDeadline: uint64(deadline),
		LiquidationMinPrice: minPrice,
		TxnGasLimit:         gasLimit,
	}, nil
}

func resolveScaled(key, fallback string, override *string, valid func(*big.Int) bool) (*big.Int, error) {
	raw := fallback
	if override != nil {
		raw = *override
	}
	value, err := fixedpoint.FromDecimal(raw)
	if err != nil || (override != nil && !valid(value)) {
		return nil, &PolicyError{Key: key, Value: raw}
	}
	return value, nil
}
