package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalBuilder creates balanced journal batches for engine operations.
type JournalBuilder struct {
	sequence int64
}

func NewJournalBuilder(startSequence int64) *JournalBuilder {
	return &JournalBuilder{sequence: startSequence}
}

// SetSequence aligns the builder with the engine sequence after recovery.
func (jb *JournalBuilder) SetSequence(seq int64) {
	jb.sequence = seq
}

func (jb *JournalBuilder) newBatch(eventRef string, ts int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jb.sequence,
		Timestamp: ts,
		Journals:  make([]Journal, 0, 3),
	}
}

func (jb *JournalBuilder) add(b *Batch, debit, credit AccountKey, amount decimal.Decimal, jt JournalType) {
	if !amount.IsPositive() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// DepositConfirmed moves reserve: external:deposits → user:available.
func (jb *JournalBuilder) DepositConfirmed(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(account, SubTypeAvailable, AssetReserve),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetReserve),
		amount, JournalTypeDeposit)
	jb.sequence++
	return b
}

// WithdrawalRequested parks reserve: user:available → user:pending_withdrawal.
func (jb *JournalBuilder) WithdrawalRequested(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(account, SubTypePendingWithdrawal, AssetReserve),
		NewUserAccountKey(account, SubTypeAvailable, AssetReserve),
		amount, JournalTypeWithdrawalPending)
	jb.sequence++
	return b
}

// WithdrawalConfirmed settles: user:pending_withdrawal → external:withdrawals.
func (jb *JournalBuilder) WithdrawalConfirmed(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetReserve),
		NewUserAccountKey(account, SubTypePendingWithdrawal, AssetReserve),
		amount, JournalTypeWithdrawalConfirm)
	jb.sequence++
	return b
}

// WithdrawalRejected returns parked reserve to available.
func (jb *JournalBuilder) WithdrawalRejected(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(account, SubTypeAvailable, AssetReserve),
		NewUserAccountKey(account, SubTypePendingWithdrawal, AssetReserve),
		amount, JournalTypeWithdrawalReject)
	jb.sequence++
	return b
}

// Mint records a three-leg issuance: net reserve into the vault, fee to
// the fee account, synthetic units to the caller against the issuance
// contra-account.
func (jb *JournalBuilder) Mint(account uuid.UUID, eventRef string, netReserve, fee, syntheticOut decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	userReserve := NewUserAccountKey(account, SubTypeAvailable, AssetReserve)
	jb.add(b, VaultReserveAccount(), userReserve, netReserve, JournalTypeMintReserve)
	jb.add(b, FeeAccount(), userReserve, fee, JournalTypeMintFee)
	jb.add(b,
		NewUserAccountKey(account, SubTypeAvailable, AssetSynthetic),
		IssuanceAccount(),
		syntheticOut, JournalTypeMintIssue)
	jb.sequence++
	return b
}

// Redeem is the inverse: reserve out of the vault to the caller (net of
// fee), synthetic burned against the issuance contra-account.
func (jb *JournalBuilder) Redeem(account uuid.UUID, eventRef string, reserveOut, fee, syntheticIn decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	userReserve := NewUserAccountKey(account, SubTypeAvailable, AssetReserve)
	jb.add(b, userReserve, VaultReserveAccount(), reserveOut, JournalTypeRedeemReserve)
	jb.add(b, FeeAccount(), VaultReserveAccount(), fee, JournalTypeRedeemFee)
	jb.add(b,
		IssuanceAccount(),
		NewUserAccountKey(account, SubTypeAvailable, AssetSynthetic),
		syntheticIn, JournalTypeRedeemBurn)
	jb.sequence++
	return b
}

// MarginLock moves reserve: user:available → user:margin.
func (jb *JournalBuilder) MarginLock(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(account, SubTypeMargin, AssetReserve),
		NewUserAccountKey(account, SubTypeAvailable, AssetReserve),
		amount, JournalTypeMarginLock)
	jb.sequence++
	return b
}

// MarginRelease moves reserve: user:margin → user:available.
func (jb *JournalBuilder) MarginRelease(account uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(account, SubTypeAvailable, AssetReserve),
		NewUserAccountKey(account, SubTypeMargin, AssetReserve),
		amount, JournalTypeMarginRelease)
	jb.sequence++
	return b
}

// PositionClose settles a voluntary close: the full margin returns to
// available, then the PnL leg transfers between the caller and the vault.
func (jb *JournalBuilder) PositionClose(account uuid.UUID, eventRef string, margin, pnl decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	userReserve := NewUserAccountKey(account, SubTypeAvailable, AssetReserve)
	userMargin := NewUserAccountKey(account, SubTypeMargin, AssetReserve)

	jb.add(b, userReserve, userMargin, margin, JournalTypeMarginRelease)
	if pnl.IsPositive() {
		jb.add(b, userReserve, VaultReserveAccount(), pnl, JournalTypePnL)
	} else if pnl.IsNegative() {
		jb.add(b, VaultReserveAccount(), userReserve, pnl.Neg(), JournalTypePnL)
	}
	jb.sequence++
	return b
}

// Liquidation seizes a position's margin: the loss leg settles with the
// vault, the remaining equity moves to the insurance fund. Amounts are
// computed by the book; both come out of user:margin.
func (jb *JournalBuilder) Liquidation(account uuid.UUID, eventRef string, loss, seized decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	userMargin := NewUserAccountKey(account, SubTypeMargin, AssetReserve)

	jb.add(b, VaultReserveAccount(), userMargin, loss, JournalTypePnL)
	jb.add(b, InsuranceFundAccount(), userMargin, seized, JournalTypeLiquidationSeizure)
	jb.sequence++
	return b
}

// FeeCollection moves accrued fees to the collector's available balance.
func (jb *JournalBuilder) FeeCollection(collector uuid.UUID, eventRef string, amount decimal.Decimal, ts int64) *Batch {
	b := jb.newBatch(eventRef, ts)
	jb.add(b,
		NewUserAccountKey(collector, SubTypeAvailable, AssetReserve),
		FeeAccount(),
		amount, JournalTypeFeeCollection)
	jb.sequence++
	return b
}
