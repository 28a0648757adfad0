package liquidator

import (
	"math/big"

	"liquidatord/fixedpoint"
)

// LiquidationBoundary derives the price boundary used to scan for
// unsafe positions and the collateral-per-token ceiling the contract
// enforces on liquidation transactions.
//
// The boundary is the oracle price reduced by the safety margin:
// acting before a position is strictly undercollateralized on-chain
// keeps the operator ahead of competing liquidators. The ceiling is the
// boundary multiplied by the contract's fixed collateral requirement;
// the contract rejects liquidations whose collateral per token exceeds
// it as adequately capitalized.
//
// The caller guarantees oraclePrice is a present, positive value.
func LiquidationBoundary(oraclePrice, crThreshold, collateralRequirement *big.Int) (scaledPrice, maxCollateralPerToken *big.Int) {
	margin := fixedpoint.Sub(fixedpoint.One(), crThreshold)
	scaledPrice = fixedpoint.Mul(oraclePrice, margin)
	maxCollateralPerToken = fixedpoint.Mul(scaledPrice, collateralRequirement)
	return scaledPrice, maxCollateralPerToken
}
