package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants after every applied operation.
// Violations indicate engine bugs, not bad input: callers treat them as fatal.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is well-formed before it is applied.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the double-entry view is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ValidateIssuedMatchesSupply reconciles the issuance counter-account with a
// fungible ledger's supply counter. The two are maintained independently, so
// agreement means both the journal path and the ledger path applied the same
// amounts.
func (v *InvariantValidator) ValidateIssuedMatchesSupply(l *FungibleLedger) error {
	issued := v.tracker.GetIssued(l.Asset())
	supply := l.TotalSupply()

	if issued.Cmp(supply) != 0 {
		assetName, _ := GetAssetName(l.Asset())
		return fmt.Errorf("%s issuance mismatch: journal=%s, ledger=%s", assetName, issued, supply)
	}

	return nil
}

// ValidateCollateralMatches reconciles the engine collateral account with the
// vault's native balance.
func (v *InvariantValidator) ValidateCollateralMatches(vaultBalance *big.Int) error {
	tracked := v.tracker.GetEngineCollateral()
	if tracked.Cmp(vaultBalance) != 0 {
		return fmt.Errorf("collateral mismatch: journal=%s, vault=%s", tracked, vaultBalance)
	}
	return nil
}

// ValidateSupplyNonNegative checks a fungible ledger's supply counter.
func (v *InvariantValidator) ValidateSupplyNonNegative(l *FungibleLedger) error {
	supply := l.TotalSupply()
	if supply.Sign() < 0 {
		assetName, _ := GetAssetName(l.Asset())
		return fmt.Errorf("%s supply is negative: %s", assetName, supply)
	}
	return nil
}
