package core

import (
	"math/big"

	fpmath "PegLedger/internal/math"
)

// InitialCollateralRatioPct is the minimum surplus a bootstrap deposit
// must establish, as a percentage of the outstanding stable supply.
const InitialCollateralRatioPct = 10

// DeficitOrSurplus returns collateral value in stable units minus the
// outstanding stable supply. Positive means surplus, negative or zero
// means the system is undercollateralized.
//
// collateralNative must EXCLUDE any native value attached to the
// operation computing this figure. A deposit prices itself against the
// pre-deposit collateral; counting the incoming value would let it back
// itself.
func DeficitOrSurplus(collateralNative, stableSupply, priceWad *big.Int) *big.Int {
	value := fpmath.MulFrac(collateralNative, priceWad)
	return value.Sub(value, stableSupply)
}
