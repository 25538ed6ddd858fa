package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when an account cannot cover a
// requested debit.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances.
// Not thread-safe — exclusively owned by the engine, which serializes
// every operation.
type BalanceTracker struct {
	balances map[AccountKey]decimal.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
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

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	return bt.balances[key]
}

// SetBalance overwrites an account balance. Used only during recovery.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance decimal.Decimal) {
	bt.balances[key] = balance
}

// === User balance queries ===

// Available returns the free balance of an account for an asset.
func (bt *BalanceTracker) Available(account uuid.UUID, assetID AssetID) decimal.Decimal {
	return bt.GetBalance(NewUserAccountKey(account, SubTypeAvailable, assetID))
}

// MarginLocked returns the reserve held as hedge-position margin.
func (bt *BalanceTracker) MarginLocked(account uuid.UUID) decimal.Decimal {
	return bt.GetBalance(NewUserAccountKey(account, SubTypeMargin, AssetReserve))
}

// PendingWithdrawal returns reserve parked for withdrawal.
func (bt *BalanceTracker) PendingWithdrawal(account uuid.UUID) decimal.Decimal {
	return bt.GetBalance(NewUserAccountKey(account, SubTypePendingWithdrawal, AssetReserve))
}

// === Invariant checks ===

// RequireAvailable returns ErrInsufficientBalance unless the account's
// free balance covers the required amount.
func (bt *BalanceTracker) RequireAvailable(account uuid.UUID, assetID AssetID, required decimal.Decimal) error {
	available := bt.Available(account, assetID)
	if available.LessThan(required) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]decimal.Decimal {
	totals := make(map[AssetID]decimal.Decimal)

	for key, balance := range bt.balances {
		totals[key.AssetID] = totals[key.AssetID].Add(balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]decimal.Decimal {
	snapshot := make(map[AccountKey]decimal.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
