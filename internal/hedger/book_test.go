package hedger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestBook() *hedger.Book {
	return hedger.NewBook(hedger.DefaultConfig())
}

// openTestPosition opens a 100 margin, 5x position at entry 1.08:
// notional 500, maintenance requirement 50.
func openTestPosition(t *testing.T, b *hedger.Book, owner uuid.UUID) *hedger.Position {
	t.Helper()
	pos, err := b.Open(owner, dec("100"), 5, dec("1.08"), t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}

func TestBook_Open(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()

	pos := openTestPosition(t, b, owner)

	if !pos.Notional.Equal(dec("500")) {
		t.Errorf("notional: %s", pos.Notional)
	}
	if pos.Status != hedger.StatusActive {
		t.Errorf("status: %s", pos.Status)
	}
	if !b.TotalMargin().Equal(dec("100")) {
		t.Errorf("total margin: %s", b.TotalMargin())
	}

	acct := b.AccountFor(owner)
	if len(acct.PositionIDs) != 1 || !acct.TotalMargin.Equal(dec("100")) {
		t.Errorf("account: %+v", acct)
	}
}

func TestBook_Open_Validation(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()

	if _, err := b.Open(owner, decimal.Zero, 5, dec("1.08"), t0); !errors.Is(err, hedger.ErrInvalidAmount) {
		t.Errorf("zero margin: got %v", err)
	}
	if _, err := b.Open(owner, dec("100"), 0, dec("1.08"), t0); !errors.Is(err, hedger.ErrInvalidLeverage) {
		t.Errorf("zero leverage: got %v", err)
	}
	if _, err := b.Open(owner, dec("100"), 11, dec("1.08"), t0); !errors.Is(err, hedger.ErrInvalidLeverage) {
		t.Errorf("leverage above max: got %v", err)
	}
	if _, err := b.Open(owner, dec("100"), 5, decimal.Zero, t0); !errors.Is(err, hedger.ErrInvalidAmount) {
		t.Errorf("zero price: got %v", err)
	}
}

func TestBook_Open_PositionCap(t *testing.T) {
	cfg := hedger.DefaultConfig()
	cfg.MaxPositionsPerHedger = 2
	b := hedger.NewBook(cfg)
	owner := uuid.New()

	for i := 0; i < 2; i++ {
		if _, err := b.Open(owner, dec("100"), 5, dec("1.08"), t0); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := b.Open(owner, dec("100"), 5, dec("1.08"), t0); !errors.Is(err, hedger.ErrTooManyPositions) {
		t.Errorf("expected ErrTooManyPositions, got %v", err)
	}

	// A different hedger is unaffected by the first one's cap.
	if _, err := b.Open(uuid.New(), dec("100"), 5, dec("1.08"), t0); err != nil {
		t.Errorf("other owner: %v", err)
	}
}

func TestBook_MarginRatio(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	// Flat price, fully filled: equity 100 over requirement 50.
	ratio, err := b.MarginRatioBps(pos.ID, dec("500"), dec("1.08"))
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio != 20000 {
		t.Errorf("flat ratio: %d", ratio)
	}

	// +5% price: PnL +25, equity 125.
	ratio, _ = b.MarginRatioBps(pos.ID, dec("500"), dec("1.134"))
	if ratio != 25000 {
		t.Errorf("gain ratio: %d", ratio)
	}

	// -10% price: PnL -50, equity 50.
	ratio, _ = b.MarginRatioBps(pos.ID, dec("500"), dec("0.972"))
	if ratio != 10000 {
		t.Errorf("loss ratio: %d", ratio)
	}

	// Unfilled exposure carries no PnL.
	ratio, _ = b.MarginRatioBps(pos.ID, decimal.Zero, dec("0.5"))
	if ratio != 20000 {
		t.Errorf("unfilled ratio: %d", ratio)
	}
}

func TestBook_AddMargin(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	updated, err := b.AddMargin(pos.ID, owner, dec("50"))
	if err != nil {
		t.Fatalf("add margin: %v", err)
	}
	if !updated.Margin.Equal(dec("150")) {
		t.Errorf("margin: %s", updated.Margin)
	}
	// Exposure target is fixed at entry.
	if !updated.Notional.Equal(dec("500")) {
		t.Errorf("notional: %s", updated.Notional)
	}

	if _, err := b.AddMargin(pos.ID, uuid.New(), dec("10")); !errors.Is(err, hedger.ErrNotOwner) {
		t.Errorf("wrong owner: got %v", err)
	}
}

func TestBook_RemoveMargin(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	// Removing 50 leaves equity 50 over requirement 50 = 10000 bps,
	// under the 11000 minimum.
	_, err := b.RemoveMargin(pos.ID, owner, dec("50"), dec("500"), dec("1.08"))
	if !errors.Is(err, hedger.ErrMarginBelowMinimum) {
		t.Errorf("expected ErrMarginBelowMinimum, got %v", err)
	}

	// Removing 40 leaves 12000 bps.
	updated, err := b.RemoveMargin(pos.ID, owner, dec("40"), dec("500"), dec("1.08"))
	if err != nil {
		t.Fatalf("remove margin: %v", err)
	}
	if !updated.Margin.Equal(dec("60")) {
		t.Errorf("margin: %s", updated.Margin)
	}

	// Withdrawing the entire margin is never allowed.
	if _, err := b.RemoveMargin(pos.ID, owner, dec("60"), dec("500"), dec("1.08")); !errors.Is(err, hedger.ErrMarginBelowMinimum) {
		t.Errorf("full withdrawal: got %v", err)
	}
}

func TestBook_Close(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	res, err := b.Close(pos.ID, owner, dec("500"), dec("1.134"), t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.PnL.Equal(dec("25")) {
		t.Errorf("pnl: %s", res.PnL)
	}
	if !res.Settlement.Equal(dec("125")) {
		t.Errorf("settlement: %s", res.Settlement)
	}
	if res.Position.Status != hedger.StatusClosed {
		t.Errorf("status: %s", res.Position.Status)
	}
	if !b.TotalMargin().IsZero() {
		t.Errorf("total margin after close: %s", b.TotalMargin())
	}

	// Second close fails.
	if _, err := b.Close(pos.ID, owner, dec("500"), dec("1.134"), t0); !errors.Is(err, hedger.ErrPositionNotActive) {
		t.Errorf("double close: got %v", err)
	}
}

func TestBook_Close_LossFloorsAtZero(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	// -30% on 500 filled = -150 PnL against 100 margin.
	res, err := b.Close(pos.ID, owner, dec("500"), dec("0.756"), t0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.PnL.Equal(dec("-150")) {
		t.Errorf("pnl: %s", res.PnL)
	}
	if !res.Settlement.IsZero() {
		t.Errorf("settlement should floor at zero, got %s", res.Settlement)
	}
}

func TestBook_Liquidate(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	// Healthy position cannot be liquidated.
	_, err := b.Liquidate(pos.ID, dec("500"), dec("1.08"), t0)
	if !errors.Is(err, hedger.ErrPositionHealthy) {
		t.Errorf("healthy: got %v", err)
	}

	// -11% price: PnL -55, equity 45, ratio 9000 < 10500.
	res, err := b.Liquidate(pos.ID, dec("500"), dec("0.9612"), t0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.MarginRatioBps != 9000 {
		t.Errorf("ratio: %d", res.MarginRatioBps)
	}
	if !res.Loss.Equal(dec("55")) {
		t.Errorf("loss: %s", res.Loss)
	}
	if !res.SeizedMargin.Equal(dec("45")) {
		t.Errorf("seized: %s", res.SeizedMargin)
	}
	if res.Position.Status != hedger.StatusLiquidated {
		t.Errorf("status: %s", res.Position.Status)
	}

	// Second liquidation fails.
	if _, err := b.Liquidate(pos.ID, dec("500"), dec("0.9"), t0); !errors.Is(err, hedger.ErrPositionNotActive) {
		t.Errorf("double liquidation: got %v", err)
	}
}

func TestBook_Liquidate_LossCappedAtMargin(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)

	// -30% on 500 filled = -150 PnL, but only 100 margin exists.
	res, err := b.Liquidate(pos.ID, dec("500"), dec("0.756"), t0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Loss.Equal(dec("100")) {
		t.Errorf("loss should cap at margin, got %s", res.Loss)
	}
	if !res.SeizedMargin.IsZero() {
		t.Errorf("seized: %s", res.SeizedMargin)
	}
}

func TestBook_SnapshotRestore(t *testing.T) {
	b := newTestBook()
	owner := uuid.New()
	pos := openTestPosition(t, b, owner)
	closed := openTestPosition(t, b, owner)
	b.Close(closed.ID, owner, dec("500"), dec("1.08"), t0)

	restored := newTestBook()
	restored.Restore(b.Snapshot())

	got, ok := restored.Get(pos.ID)
	if !ok || got.Status != hedger.StatusActive {
		t.Fatal("active position should survive restore")
	}
	if !restored.TotalMargin().Equal(dec("100")) {
		t.Errorf("total margin: %s", restored.TotalMargin())
	}

	// Closed positions restore as history, not as active exposure.
	gotClosed, ok := restored.Get(closed.ID)
	if !ok || gotClosed.Status != hedger.StatusClosed {
		t.Error("closed position should restore as closed")
	}
	if n := len(restored.ActivePositionIDs()); n != 1 {
		t.Errorf("active IDs: %d", n)
	}
}
