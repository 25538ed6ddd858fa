package hedger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a position's lifecycle state. Transitions are one-way:
// Active -> Closed or Active -> Liquidated.
type Status int32

const (
	StatusActive Status = iota + 1
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusClosed:
		return "CLOSED"
	case StatusLiquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

// Position is one hedger's leveraged long exposure. Margin and Notional are
// reserve units; Notional = Margin * Leverage is fixed at entry and margin
// changes leave it untouched.
type Position struct {
	ID         uuid.UUID
	Owner      uuid.UUID
	Margin     decimal.Decimal
	Notional   decimal.Decimal
	Leverage   int64
	EntryPrice decimal.Decimal
	EntryTime  time.Time
	Status     Status
	ClosedAt   time.Time
}

// Account aggregates one hedger's open positions.
type Account struct {
	Owner       uuid.UUID
	PositionIDs []uuid.UUID
	TotalMargin decimal.Decimal
}
