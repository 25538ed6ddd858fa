package hedger

import (
	"errors"
	"fmt"
	"time"

	"github.com/Quantillon-Labs/synthengine/internal/fixedpoint"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for zero or negative margin amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidLeverage is returned when leverage is outside [1, max].
	ErrInvalidLeverage = errors.New("leverage out of range")

	// ErrTooManyPositions is returned when an owner is at the position cap.
	ErrTooManyPositions = errors.New("position limit reached for hedger")

	// ErrPositionNotFound is returned for unknown position IDs.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionNotActive is returned for lifecycle operations on closed
	// or liquidated positions.
	ErrPositionNotActive = errors.New("position is not active")

	// ErrNotOwner is returned when the caller does not own the position.
	ErrNotOwner = errors.New("caller does not own position")

	// ErrMarginBelowMinimum is returned when removing margin would leave
	// the position under the minimum margin ratio.
	ErrMarginBelowMinimum = errors.New("margin ratio would fall below minimum")

	// ErrPositionHealthy is returned when liquidation is attempted on a
	// position above the liquidation threshold.
	ErrPositionHealthy = errors.New("position is above liquidation threshold")
)

// Config bounds position lifecycle operations. Ratios are basis points.
type Config struct {
	MaxLeverage             int64
	MaxPositionsPerHedger   int
	MinMarginRatioBps       int64
	LiquidationThresholdBps int64
	MaintenanceMarginBps    int64
}

// DefaultConfig returns the production risk parameters.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:             10,
		MaxPositionsPerHedger:   50,
		MinMarginRatioBps:       11000,
		LiquidationThresholdBps: 10500,
		MaintenanceMarginBps:    1000,
	}
}

// Book holds all hedger positions. It performs no locking; the engine
// serializes access.
type Book struct {
	cfg       Config
	positions map[uuid.UUID]*Position
	byOwner   map[uuid.UUID][]uuid.UUID
}

func NewBook(cfg Config) *Book {
	return &Book{
		cfg:       cfg,
		positions: make(map[uuid.UUID]*Position),
		byOwner:   make(map[uuid.UUID][]uuid.UUID),
	}
}

// Open creates a new active position. The requested exposure (notional) is
// margin * leverage, fixed at entry; later margin changes alter the
// position's health, not its exposure target.
func (b *Book) Open(owner uuid.UUID, margin decimal.Decimal, leverage int64, entryPrice decimal.Decimal, now time.Time) (*Position, error) {
	if margin.Sign() <= 0 {
		return nil, fmt.Errorf("%w: margin %s", ErrInvalidAmount, margin)
	}
	if leverage < 1 || leverage > b.cfg.MaxLeverage {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, leverage, b.cfg.MaxLeverage)
	}
	if entryPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: entry price %s", ErrInvalidAmount, entryPrice)
	}
	if b.activeCount(owner) >= b.cfg.MaxPositionsPerHedger {
		return nil, fmt.Errorf("%w: %d open", ErrTooManyPositions, b.cfg.MaxPositionsPerHedger)
	}

	pos := &Position{
		ID:         uuid.New(),
		Owner:      owner,
		Margin:     margin,
		Notional:   fixedpoint.ReserveConfig.Round(margin.Mul(decimal.NewFromInt(leverage))),
		Leverage:   leverage,
		EntryPrice: entryPrice,
		EntryTime:  now.UTC(),
		Status:     StatusActive,
	}
	b.positions[pos.ID] = pos
	b.byOwner[owner] = append(b.byOwner[owner], pos.ID)
	return pos, nil
}

// AddMargin increases an active position's margin.
func (b *Book) AddMargin(positionID, owner uuid.UUID, amount decimal.Decimal) (*Position, error) {
	pos, err := b.activeOwned(positionID, owner)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	pos.Margin = pos.Margin.Add(amount)
	return pos, nil
}

// RemoveMargin withdraws margin from an active position. The position's
// margin ratio at the given filled notional and price must stay at or
// above the configured minimum after the withdrawal.
func (b *Book) RemoveMargin(positionID, owner uuid.UUID, amount, filled, price decimal.Decimal) (*Position, error) {
	pos, err := b.activeOwned(positionID, owner)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	remaining := pos.Margin.Sub(amount)
	if remaining.Sign() <= 0 {
		return nil, fmt.Errorf("%w: withdrawal %s against margin %s",
			ErrMarginBelowMinimum, amount, pos.Margin)
	}
	if ratio := b.marginRatioBps(remaining, pos, filled, price); ratio < b.cfg.MinMarginRatioBps {
		return nil, fmt.Errorf("%w: %d bps < %d bps",
			ErrMarginBelowMinimum, ratio, b.cfg.MinMarginRatioBps)
	}
	pos.Margin = remaining
	return pos, nil
}

// CloseResult reports the settlement of a voluntary close.
type CloseResult struct {
	Position   *Position
	PnL        decimal.Decimal
	Settlement decimal.Decimal
}

// Close settles an active position at the given price. The owner receives
// margin plus PnL, floored at zero; losses beyond margin are absorbed by
// the vault side of the settlement.
func (b *Book) Close(positionID, owner uuid.UUID, filled, price decimal.Decimal, now time.Time) (CloseResult, error) {
	pos, err := b.activeOwned(positionID, owner)
	if err != nil {
		return CloseResult{}, err
	}

	pnl := fixedpoint.UnrealizedPnL(filled, pos.EntryPrice, price)
	settlement := pos.Margin.Add(pnl)
	if settlement.Sign() < 0 {
		settlement = decimal.Zero
	}

	pos.Status = StatusClosed
	pos.ClosedAt = now.UTC()
	b.detach(pos)

	return CloseResult{Position: pos, PnL: pnl, Settlement: settlement}, nil
}

// LiquidationResult reports the settlement of a forced close.
type LiquidationResult struct {
	Position       *Position
	PnL            decimal.Decimal
	Loss           decimal.Decimal
	SeizedMargin   decimal.Decimal
	MarginRatioBps int64
}

// Liquidate force-closes a position whose margin ratio has fallen below
// the liquidation threshold. The realized loss (capped at margin) settles
// against the vault; the remaining margin is seized into the insurance
// fund. The owner receives nothing.
func (b *Book) Liquidate(positionID uuid.UUID, filled, price decimal.Decimal, now time.Time) (LiquidationResult, error) {
	pos, ok := b.positions[positionID]
	if !ok {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if pos.Status != StatusActive {
		return LiquidationResult{}, fmt.Errorf("%w: %s is %s", ErrPositionNotActive, positionID, pos.Status)
	}

	ratio := b.marginRatioBps(pos.Margin, pos, filled, price)
	if ratio >= b.cfg.LiquidationThresholdBps {
		return LiquidationResult{}, fmt.Errorf("%w: %d bps >= %d bps",
			ErrPositionHealthy, ratio, b.cfg.LiquidationThresholdBps)
	}

	pnl := fixedpoint.UnrealizedPnL(filled, pos.EntryPrice, price)
	loss := decimal.Zero
	if pnl.Sign() < 0 {
		loss = pnl.Neg()
		if loss.GreaterThan(pos.Margin) {
			loss = pos.Margin
		}
	}
	seized := pos.Margin.Sub(loss)

	pos.Status = StatusLiquidated
	pos.ClosedAt = now.UTC()
	b.detach(pos)

	return LiquidationResult{
		Position:       pos,
		PnL:            pnl,
		Loss:           loss,
		SeizedMargin:   seized,
		MarginRatioBps: ratio,
	}, nil
}

// Get returns the position with the given ID, including closed ones.
func (b *Book) Get(positionID uuid.UUID) (*Position, bool) {
	pos, ok := b.positions[positionID]
	return pos, ok
}

// MarginRatioBps reports a position's health: equity (margin plus
// unrealized PnL on the filled notional) over the maintenance requirement,
// in basis points.
func (b *Book) MarginRatioBps(positionID uuid.UUID, filled, price decimal.Decimal) (int64, error) {
	pos, ok := b.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return b.marginRatioBps(pos.Margin, pos, filled, price), nil
}

func (b *Book) marginRatioBps(margin decimal.Decimal, pos *Position, filled, price decimal.Decimal) int64 {
	equity := margin.Add(fixedpoint.UnrealizedPnL(filled, pos.EntryPrice, price))
	requirement := fixedpoint.ApplyBps(pos.Notional, b.cfg.MaintenanceMarginBps)
	if equity.Sign() < 0 {
		return 0
	}
	return fixedpoint.RatioBps(equity, requirement)
}

// ActivePositionIDs returns every active position's ID in owner-insertion
// order, for liquidation scans and read APIs.
func (b *Book) ActivePositionIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, ownerIDs := range b.byOwner {
		ids = append(ids, ownerIDs...)
	}
	return ids
}

// AccountFor returns the aggregate view of one owner's active positions.
func (b *Book) AccountFor(owner uuid.UUID) Account {
	acct := Account{Owner: owner, TotalMargin: decimal.Zero}
	for _, id := range b.byOwner[owner] {
		pos := b.positions[id]
		acct.PositionIDs = append(acct.PositionIDs, id)
		acct.TotalMargin = acct.TotalMargin.Add(pos.Margin)
	}
	return acct
}

// TotalMargin sums margin across all active positions. This total counts
// toward vault collateralization.
func (b *Book) TotalMargin() decimal.Decimal {
	total := decimal.Zero
	for _, ownerIDs := range b.byOwner {
		for _, id := range ownerIDs {
			total = total.Add(b.positions[id].Margin)
		}
	}
	return total
}

// Snapshot returns copies of every position for persistence.
func (b *Book) Snapshot() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// Restore loads persisted positions on recovery.
func (b *Book) Restore(positions []Position) {
	b.positions = make(map[uuid.UUID]*Position, len(positions))
	b.byOwner = make(map[uuid.UUID][]uuid.UUID)
	for i := range positions {
		pos := positions[i]
		b.positions[pos.ID] = &pos
		if pos.Status == StatusActive {
			b.byOwner[pos.Owner] = append(b.byOwner[pos.Owner], pos.ID)
		}
	}
}

func (b *Book) activeOwned(positionID, owner uuid.UUID) (*Position, error) {
	pos, ok := b.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if pos.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotActive, positionID, pos.Status)
	}
	if pos.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, positionID)
	}
	return pos, nil
}

func (b *Book) activeCount(owner uuid.UUID) int {
	return len(b.byOwner[owner])
}

func (b *Book) detach(pos *Position) {
	ids := b.byOwner[pos.Owner]
	for i, id := range ids {
		if id == pos.ID {
			b.byOwner[pos.Owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byOwner[pos.Owner]) == 0 {
		delete(b.byOwner, pos.Owner)
	}
}
