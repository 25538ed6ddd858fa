package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceFeedUpdate is a versioned price observation from the external feed.
// The engine never reads a wall-clock price; freshness is judged against
// TimestampUs.
type PriceFeedUpdate struct {
	Source      string
	Value       decimal.Decimal // 8 dp
	Sequence    int64           // monotonic per source
	TimestampUs int64           // epoch microseconds (versioned input)
}

func (p *PriceFeedUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Source, p.Sequence)
}

func (p *PriceFeedUpdate) EventType() EventType { return EventTypePriceFeedUpdate }

func (p *PriceFeedUpdate) SourceSequence() int64 { return p.Sequence }

func (p *PriceFeedUpdate) Timestamp() time.Time { return time.UnixMicro(p.TimestampUs) }

// ReserveDepositConfirmed credits reserve asset to an account. Settlement
// of the underlying transfer is the execution environment's concern; by
// the time this event arrives the funds are final.
type ReserveDepositConfirmed struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Amount    decimal.Decimal // 6 dp
	Sequence  int64
	Timestamp time.Time
}

func (d *ReserveDepositConfirmed) IdempotencyKey() string {
	return fmt.Sprintf("deposit:confirmed:%s", d.DepositID)
}

func (d *ReserveDepositConfirmed) EventType() EventType { return EventTypeReserveDepositConfirmed }

func (d *ReserveDepositConfirmed) SourceSequence() int64 { return d.Sequence }

// ReserveWithdrawalRequested moves reserve from available to pending.
type ReserveWithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Amount       decimal.Decimal
	Sequence     int64
	Timestamp    time.Time
}

func (w *ReserveWithdrawalRequested) IdempotencyKey() string {
	return fmt.Sprintf("withdrawal:requested:%s", w.WithdrawalID)
}

func (w *ReserveWithdrawalRequested) EventType() EventType {
	return EventTypeReserveWithdrawalRequested
}

func (w *ReserveWithdrawalRequested) SourceSequence() int64 { return w.Sequence }

// ReserveWithdrawalConfirmed finalizes a pending withdrawal out of the
// system boundary.
type ReserveWithdrawalConfirmed struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Amount       decimal.Decimal
	Sequence     int64
	Timestamp    time.Time
}

func (w *ReserveWithdrawalConfirmed) IdempotencyKey() string {
	return fmt.Sprintf("withdrawal:confirmed:%s", w.WithdrawalID)
}

func (w *ReserveWithdrawalConfirmed) EventType() EventType {
	return EventTypeReserveWithdrawalConfirmed
}

func (w *ReserveWithdrawalConfirmed) SourceSequence() int64 { return w.Sequence }

// ReserveWithdrawalRejected returns a pending withdrawal to available.
type ReserveWithdrawalRejected struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Amount       decimal.Decimal
	Reason       string
	Sequence     int64
	Timestamp    time.Time
}

func (w *ReserveWithdrawalRejected) IdempotencyKey() string {
	return fmt.Sprintf("withdrawal:rejected:%s", w.WithdrawalID)
}

func (w *ReserveWithdrawalRejected) EventType() EventType {
	return EventTypeReserveWithdrawalRejected
}

func (w *ReserveWithdrawalRejected) SourceSequence() int64 { return w.Sequence }
