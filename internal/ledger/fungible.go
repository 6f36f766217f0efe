package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// FungibleLedger is a minimal fungible-unit ledger: per-account balances plus
// a total-supply counter. Amounts are big.Int base units (1e18 per whole unit)
// and are always non-negative. The engine holds one instance per token
// (stable, buffer) and one for the native asset backing the collateral vault.
//
// Not safe for concurrent use; all access is serialized by the engine.
type FungibleLedger struct {
	asset    AssetID
	balances map[uuid.UUID]*big.Int
	supply   *big.Int
}

func NewFungibleLedger(asset AssetID) *FungibleLedger {
	return &FungibleLedger{
		asset:    asset,
		balances: make(map[uuid.UUID]*big.Int),
		supply:   new(big.Int),
	}
}

// RestoreFungibleLedger rebuilds a ledger from snapshot balances.
// The supply counter is recomputed from the balances, which keeps the
// conservation invariant true by construction.
func RestoreFungibleLedger(asset AssetID, balances map[uuid.UUID]*big.Int) *FungibleLedger {
	l := NewFungibleLedger(asset)
	for account, amount := range balances {
		if amount.Sign() <= 0 {
			continue
		}
		l.balances[account] = new(big.Int).Set(amount)
		l.supply.Add(l.supply, amount)
	}
	return l
}

// Asset returns the asset this ledger tracks.
func (l *FungibleLedger) Asset() AssetID {
	return l.asset
}

// Mint creates amount units in the given account. A zero amount is a no-op:
// truncating arithmetic upstream can legitimately produce zero mints.
func (l *FungibleLedger) Mint(to uuid.UUID, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("mint %s to %s: %w", amount, to, ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	bal, ok := l.balances[to]
	if !ok {
		bal = new(big.Int)
		l.balances[to] = bal
	}
	bal.Add(bal, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

// Burn destroys amount units from the given account.
func (l *FungibleLedger) Burn(from uuid.UUID, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("burn %s from %s: %w", amount, from, ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("burn %s from %s (have %s): %w", amount, from, l.BalanceOf(from), ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	if bal.Sign() == 0 {
		delete(l.balances, from)
	}
	l.supply.Sub(l.supply, amount)
	return nil
}

// Transfer moves amount units between accounts without changing supply.
func (l *FungibleLedger) Transfer(from, to uuid.UUID, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer %s: %w", amount, ErrInvalidAmount)
	}
	if from == to {
		return fmt.Errorf("transfer %s: %w", amount, ErrSameAccount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s from %s (have %s): %w", amount, from, l.BalanceOf(from), ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	if bal.Sign() == 0 {
		delete(l.balances, from)
	}

	dst, ok := l.balances[to]
	if !ok {
		dst = new(big.Int)
		l.balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

// BalanceOf returns a copy of the account's balance (zero if unknown).
func (l *FungibleLedger) BalanceOf(account uuid.UUID) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the outstanding supply.
func (l *FungibleLedger) TotalSupply() *big.Int {
	return new(big.Int).Set(l.supply)
}

// Holders returns the number of accounts with non-zero balance.
func (l *FungibleLedger) Holders() int {
	return len(l.balances)
}

// Snapshot returns a deep copy of all non-zero balances.
func (l *FungibleLedger) Snapshot() map[uuid.UUID]*big.Int {
	out := make(map[uuid.UUID]*big.Int, len(l.balances))
	for account, bal := range l.balances {
		out[account] = new(big.Int).Set(bal)
	}
	return out
}

// SortedAccounts returns holder IDs in lexicographic order, for
// deterministic iteration when hashing or exporting state.
func (l *FungibleLedger) SortedAccounts() []uuid.UUID {
	accounts := make([]uuid.UUID, 0, len(l.balances))
	for account := range l.balances {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	return accounts
}
