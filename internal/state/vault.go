// internal/state/vault.go
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PegLedger/internal/ledger"
)

var (
	// ErrInsufficientCollateral is returned when an outbound transfer would
	// exceed the vault's holdings. Reachable through mispriced buffer
	// withdrawals after a price drop, so it is a runtime failure, not a bug.
	ErrInsufficientCollateral = errors.New("vault: insufficient collateral for transfer")

	// ErrTransferRejected wraps a transferor refusal.
	ErrTransferRejected = errors.New("vault: transfer rejected by recipient")
)

// NativeTransferor delivers outbound native value to a recipient. The
// recipient side may reject the delivery; the vault treats any error as a
// rejection and leaves its balance untouched.
type NativeTransferor interface {
	TransferNative(recipient uuid.UUID, amount *big.Int) error
}

// TransferorFunc adapts a function to the NativeTransferor interface.
type TransferorFunc func(recipient uuid.UUID, amount *big.Int) error

func (f TransferorFunc) TransferNative(recipient uuid.UUID, amount *big.Int) error {
	return f(recipient, amount)
}

// LedgerTransferor records payouts in a native-asset fungible ledger,
// crediting the recipient's off-engine holdings. It never rejects.
type LedgerTransferor struct {
	native *ledger.FungibleLedger
}

func NewLedgerTransferor(native *ledger.FungibleLedger) *LedgerTransferor {
	return &LedgerTransferor{native: native}
}

func (t *LedgerTransferor) TransferNative(recipient uuid.UUID, amount *big.Int) error {
	return t.native.Mint(recipient, amount)
}

// CollateralVault holds the engine's native-asset backing. Credits happen
// after an operation's decision logic has run on the pre-attachment balance;
// debits happen only through Transfer, after the transferor accepts.
type CollateralVault struct {
	balance    *big.Int
	transferor NativeTransferor
}

func NewCollateralVault(transferor NativeTransferor) *CollateralVault {
	return &CollateralVault{
		balance:    new(big.Int),
		transferor: transferor,
	}
}

// RestoreCollateralVault rebuilds a vault at a known balance.
func RestoreCollateralVault(transferor NativeTransferor, balance *big.Int) *CollateralVault {
	v := NewCollateralVault(transferor)
	v.balance.Set(balance)
	return v
}

// Balance returns a copy of the held native amount.
func (v *CollateralVault) Balance() *big.Int {
	return new(big.Int).Set(v.balance)
}

// Credit adds attached native value to the vault.
func (v *CollateralVault) Credit(amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("credit %s: %w", amount, ledger.ErrInvalidAmount)
	}
	v.balance.Add(v.balance, amount)
	return nil
}

// Debit removes native value without a transferor round-trip. Used only by
// the rollback path to undo a Credit.
func (v *CollateralVault) Debit(amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("debit %s: %w", amount, ledger.ErrInvalidAmount)
	}
	if v.balance.Cmp(amount) < 0 {
		return fmt.Errorf("debit %s (have %s): %w", amount, v.balance, ErrInsufficientCollateral)
	}
	v.balance.Sub(v.balance, amount)
	return nil
}

// Transfer pays out native value to a recipient. The balance is decremented
// only after the transferor accepts, so a rejected transfer leaves the vault
// exactly as it was. A zero transfer still consults the transferor: the
// recipient's right to reject does not depend on the amount.
func (v *CollateralVault) Transfer(recipient uuid.UUID, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer %s: %w", amount, ledger.ErrInvalidAmount)
	}
	if v.balance.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s to %s (have %s): %w", amount, recipient, v.balance, ErrInsufficientCollateral)
	}

	if err := v.transferor.TransferNative(recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	v.balance.Sub(v.balance, amount)
	return nil
}
