package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserNonNegative checks an account's free balance >= 0
func (v *InvariantValidator) ValidateUserNonNegative(account uuid.UUID, assetID AssetID) error {
	key := NewUserAccountKey(account, SubTypeAvailable, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateMarginNonNegative checks margin-locked reserve >= 0
func (v *InvariantValidator) ValidateMarginNonNegative(account uuid.UUID) error {
	key := NewUserAccountKey(account, SubTypeMargin, AssetReserve)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateGlobalBalance verifies the system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
