package oracle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestGate(now *time.Time) *oracle.Gate {
	return oracle.NewGate(oracle.Config{
		MinBound:     dec("0.5"),
		MaxBound:     dec("2.0"),
		Source:       "chainlink",
		MaxStaleness: time.Hour,
	}, func() time.Time { return *now })
}

func TestGate_NoPriceIsStale(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	_, err := gate.UsablePrice()
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestGate_AcceptAndRead(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	accepted, err := gate.ApplyFeedUpdate("chainlink", dec("1.08"), 1, now)
	if err != nil || !accepted {
		t.Fatalf("update should be accepted, got (%v, %v)", accepted, err)
	}

	price, err := gate.UsablePrice()
	if err != nil {
		t.Fatalf("UsablePrice: %v", err)
	}
	if !price.Equal(dec("1.08")) {
		t.Errorf("price: %s", price)
	}
}

func TestGate_StaleAfterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)
	gate.ApplyFeedUpdate("chainlink", dec("1.08"), 1, now)

	now = now.Add(time.Hour + time.Second)

	_, err := gate.UsablePrice()
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice after window, got %v", err)
	}

	// CurrentPrice still serves the last value for read-only views.
	price, ok := gate.CurrentPrice()
	if !ok || !price.Equal(dec("1.08")) {
		t.Errorf("CurrentPrice: (%s, %v)", price, ok)
	}
}

func TestGate_OutOfOrderSequenceDropped(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	gate.ApplyFeedUpdate("chainlink", dec("1.08"), 5, now)

	accepted, err := gate.ApplyFeedUpdate("chainlink", dec("1.20"), 3, now)
	if err != nil {
		t.Fatalf("stale sequence should not error: %v", err)
	}
	if accepted {
		t.Error("stale sequence should be dropped")
	}

	price, _ := gate.CurrentPrice()
	if !price.Equal(dec("1.08")) {
		t.Errorf("price should be unchanged, got %s", price)
	}
}

func TestGate_OutOfBoundsRejected(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	accepted, err := gate.ApplyFeedUpdate("chainlink", dec("2.5"), 1, now)
	if accepted || !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got (%v, %v)", accepted, err)
	}

	accepted, err = gate.ApplyFeedUpdate("chainlink", dec("0"), 2, now)
	if accepted || !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("zero price: expected ErrInvalidPrice, got (%v, %v)", accepted, err)
	}
}

func TestGate_WrongSourceIgnored(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	accepted, err := gate.ApplyFeedUpdate("pyth", dec("1.08"), 1, now)
	if accepted || err != nil {
		t.Errorf("wrong source should be ignored silently, got (%v, %v)", accepted, err)
	}
}

func TestGate_CircuitBreaker(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)
	gate.ApplyFeedUpdate("chainlink", dec("1.08"), 1, now)

	if !gate.Trip() {
		t.Error("first trip should report a change")
	}
	if gate.Trip() {
		t.Error("second trip should be a no-op")
	}

	_, err := gate.UsablePrice()
	if !errors.Is(err, oracle.ErrCircuitBreakerActive) {
		t.Errorf("expected ErrCircuitBreakerActive, got %v", err)
	}

	if !gate.Reset() {
		t.Error("reset should report a change")
	}
	if _, err := gate.UsablePrice(); err != nil {
		t.Errorf("price should be usable after reset: %v", err)
	}
}

func TestGate_UpdateBounds(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)

	if err := gate.UpdateBounds(dec("2.0"), dec("1.0")); err == nil {
		t.Error("min >= max should be rejected")
	}
	if err := gate.UpdateBounds(dec("0"), dec("1.0")); err == nil {
		t.Error("zero min should be rejected")
	}
	if err := gate.UpdateBounds(dec("1.0"), dec("1.5")); err != nil {
		t.Fatalf("valid bounds rejected: %v", err)
	}

	accepted, err := gate.ApplyFeedUpdate("chainlink", dec("0.9"), 1, now)
	if accepted || !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("0.9 should now be out of bounds, got (%v, %v)", accepted, err)
	}
}

func TestGate_SourceSwitchDiscardsPrice(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)
	gate.ApplyFeedUpdate("chainlink", dec("1.08"), 10, now)

	previous := gate.UpdateSource("pyth")
	if previous != "chainlink" {
		t.Errorf("previous source: %q", previous)
	}

	if _, ok := gate.CurrentPrice(); ok {
		t.Error("price should be discarded on source switch")
	}

	// New source starts from sequence zero again.
	accepted, err := gate.ApplyFeedUpdate("pyth", dec("1.10"), 1, now)
	if err != nil || !accepted {
		t.Fatalf("new source update rejected: (%v, %v)", accepted, err)
	}
}

func TestGate_SnapshotRestore(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(&now)
	gate.ApplyFeedUpdate("chainlink", dec("1.08"), 7, now)
	gate.Trip()

	restored := newTestGate(&now)
	restored.Restore(gate.Snapshot())

	if !restored.CircuitBroken() {
		t.Error("breaker state should survive restore")
	}
	restored.Reset()
	price, err := restored.UsablePrice()
	if err != nil || !price.Equal(dec("1.08")) {
		t.Errorf("restored price: (%s, %v)", price, err)
	}

	// Sequence continuity after restore.
	if accepted, _ := restored.ApplyFeedUpdate("chainlink", dec("1.09"), 7, now); accepted {
		t.Error("sequence 7 should be dropped after restore")
	}
}
