package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// BalanceTracker maintains the in-memory double-entry view of every account.
// It shadows the fungible ledgers: the validator reconciles the two after
// each applied operation.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.sub(j.CreditAccount, j.Amount)
}

// ReverseJournal undoes a previously applied journal entry.
// Used by the compensating-rollback path when a refund transfer is rejected
// after its batch has been applied.
func (bt *BalanceTracker) ReverseJournal(j Journal) {
	bt.sub(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, j.Amount)
}

func (bt *BalanceTracker) add(key AccountKey, amount *big.Int) {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	bal.Add(bal, amount)
}

func (bt *BalanceTracker) sub(key AccountKey, amount *big.Int) {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	bal.Sub(bal, amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// ReverseBatch undoes all journals in a batch, in reverse order.
func (bt *BalanceTracker) ReverseBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		bt.ReverseJournal(batch.Journals[i])
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if bal, ok := bt.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// GetUserHoldings returns a user's token holdings for an asset.
func (bt *BalanceTracker) GetUserHoldings(accountID uuid.UUID, assetID AssetID) *big.Int {
	return bt.GetBalance(NewUserAccountKey(accountID, SubTypeHoldings, assetID))
}

// GetEngineCollateral returns the engine's native collateral balance.
func (bt *BalanceTracker) GetEngineCollateral() *big.Int {
	return bt.GetBalance(NewEngineAccountKey(SubTypeEngineCollateral, AssetNative))
}

// GetIssued returns the outstanding issuance for a token asset as a positive
// number. The issuance counter-account carries the negation of supply.
func (bt *BalanceTracker) GetIssued(assetID AssetID) *big.Int {
	issued := bt.GetBalance(NewEngineAccountKey(SubTypeEngineIssued, assetID))
	return issued.Neg(issued)
}

// ValidateSufficientHoldings checks a user holds at least the required amount.
func (bt *BalanceTracker) ValidateSufficientHoldings(accountID uuid.UUID, assetID AssetID, required *big.Int) error {
	holdings := bt.GetUserHoldings(accountID, assetID)
	if holdings.Cmp(required) < 0 {
		return fmt.Errorf("insufficient holdings: have=%s, need=%s", holdings, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bal, ok := bt.balances[key]; ok && bal.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), bal)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 per asset for a
// zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(big.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// Snapshot returns a deep copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// SetBalance overwrites a single account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	if balance.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = new(big.Int).Set(balance)
}
