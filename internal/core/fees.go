package core

import (
	"fmt"
	"math/big"

	fpmath "PegLedger/internal/math"
)

// FeePolicy computes the native-denominated fee on stable mints and
// burns. Fees are zero until a buffer pool exists and holds supply, so
// early participants bootstrap the system for free.
type FeePolicy struct {
	ratePct int64
}

func NewFeePolicy(ratePct int64) (*FeePolicy, error) {
	if ratePct < 0 || ratePct > 100 {
		return nil, fmt.Errorf("fee rate must be between 0 and 100, got %d", ratePct)
	}
	return &FeePolicy{ratePct: ratePct}, nil
}

func (p *FeePolicy) RatePct() int64 {
	return p.ratePct
}

// Fee returns ratePct% of nativeAmount, truncating. Truncation favors
// the caller over fee precision.
func (p *FeePolicy) Fee(nativeAmount *big.Int, poolExists bool, bufferSupply *big.Int) *big.Int {
	if !poolExists || bufferSupply == nil || bufferSupply.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.PercentOf(nativeAmount, p.ratePct)
}
