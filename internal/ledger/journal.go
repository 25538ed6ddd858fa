package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawalPending
	JournalTypeWithdrawalConfirm
	JournalTypeWithdrawalReject
	JournalTypeMintReserve
	JournalTypeMintFee
	JournalTypeMintIssue
	JournalTypeRedeemReserve
	JournalTypeRedeemFee
	JournalTypeRedeemBurn
	JournalTypeMarginLock
	JournalTypeMarginRelease
	JournalTypePnL
	JournalTypeLiquidationSeizure
	JournalTypeFeeCollection
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups entries of one operation
	EventRef      string          // Idempotency key of source event
	Sequence      int64           // Global engine sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	AssetID       AssetID         // Asset being transferred
	Amount        decimal.Decimal // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType     // Entry type
	Timestamp     int64           // Epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits is guaranteed per-entry. Multi-leg operations
// (e.g. mint with fee) use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
