package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbound notification payloads. These are consumed by external
// observability and indexing collaborators; each carries the operation's
// key identifiers and resulting amounts for downstream reconciliation.

type SyntheticMinted struct {
	Account         uuid.UUID       `json:"account"`
	ReserveIn       decimal.Decimal `json:"reserve_in"`
	SyntheticOut    decimal.Decimal `json:"synthetic_out"`
	Fee             decimal.Decimal `json:"fee"`
	Price           decimal.Decimal `json:"price"`
	ReserveBalance  decimal.Decimal `json:"reserve_balance"`
	SyntheticSupply decimal.Decimal `json:"synthetic_supply"`
}

type SyntheticRedeemed struct {
	Account         uuid.UUID       `json:"account"`
	SyntheticIn     decimal.Decimal `json:"synthetic_in"`
	ReserveOut      decimal.Decimal `json:"reserve_out"`
	Fee             decimal.Decimal `json:"fee"`
	Price           decimal.Decimal `json:"price"`
	ReserveBalance  decimal.Decimal `json:"reserve_balance"`
	SyntheticSupply decimal.Decimal `json:"synthetic_supply"`
}

type FeesCollected struct {
	Collector uuid.UUID       `json:"collector"`
	Amount    decimal.Decimal `json:"amount"`
}

type PositionOpened struct {
	PositionID uuid.UUID       `json:"position_id"`
	Owner      uuid.UUID       `json:"owner"`
	Margin     decimal.Decimal `json:"margin"`
	Notional   decimal.Decimal `json:"notional"`
	Leverage   int             `json:"leverage"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

type MarginChanged struct {
	PositionID     uuid.UUID       `json:"position_id"`
	Owner          uuid.UUID       `json:"owner"`
	Amount         decimal.Decimal `json:"amount"`
	Margin         decimal.Decimal `json:"margin"`
	MarginRatioBps int64           `json:"margin_ratio_bps"`
}

type PositionClosed struct {
	PositionID uuid.UUID       `json:"position_id"`
	Owner      uuid.UUID       `json:"owner"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Settlement decimal.Decimal `json:"settlement"`
}

type PositionLiquidated struct {
	PositionID     uuid.UUID       `json:"position_id"`
	Owner          uuid.UUID       `json:"owner"`
	Liquidator     uuid.UUID       `json:"liquidator"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	PnL            decimal.Decimal `json:"pnl"`
	SeizedMargin   decimal.Decimal `json:"seized_margin"`
	MarginRatioBps int64           `json:"margin_ratio_bps"`
}

// FillAdjusted carries before/after filled notional for reconciliation.
type FillAdjusted struct {
	PositionID   uuid.UUID       `json:"position_id"`
	Requested    decimal.Decimal `json:"requested"`
	FilledBefore decimal.Decimal `json:"filled_before"`
	FilledAfter  decimal.Decimal `json:"filled_after"`
}

type PriceBoundsUpdated struct {
	MinBound decimal.Decimal `json:"min_bound"`
	MaxBound decimal.Decimal `json:"max_bound"`
}

type PriceSourceUpdated struct {
	Source string `json:"source"`
}

type CircuitBreakerChanged struct {
	Active bool      `json:"active"`
	Actor  uuid.UUID `json:"actor"`
}

type ReserveBalanceChanged struct {
	Account uuid.UUID       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Kind    string          `json:"kind"` // deposit | withdrawal_requested | withdrawal_confirmed | withdrawal_rejected
}
