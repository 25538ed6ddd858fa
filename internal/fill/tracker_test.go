package fill_test

import (
	"errors"
	"testing"

	"github.com/Quantillon-Labs/synthengine/internal/fill"
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

func TestTracker_FullFill(t *testing.T) {
	tr := fill.NewTracker()
	p1, p2 := uuid.New(), uuid.New()

	tr.RegisterRequest(p1, dec("1000"))
	tr.RegisterRequest(p2, dec("500"))

	adjs := tr.Reapportion(dec("2000"))
	if len(adjs) != 2 {
		t.Fatalf("expected 2 adjustments, got %d", len(adjs))
	}
	if !tr.FilledNotional(p1).Equal(dec("1000")) {
		t.Errorf("p1 filled: %s", tr.FilledNotional(p1))
	}
	if !tr.FilledNotional(p2).Equal(dec("500")) {
		t.Errorf("p2 filled: %s", tr.FilledNotional(p2))
	}
}

func TestTracker_ProRataFill(t *testing.T) {
	tr := fill.NewTracker()
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()

	tr.RegisterRequest(p1, dec("1000"))
	tr.RegisterRequest(p2, dec("500"))
	tr.RegisterRequest(p3, dec("500"))

	// Capacity covers half the 2000 demand.
	tr.Reapportion(dec("1000"))

	if !tr.FilledNotional(p1).Equal(dec("500")) {
		t.Errorf("p1 filled: %s", tr.FilledNotional(p1))
	}
	if !tr.FilledNotional(p2).Equal(dec("250")) {
		t.Errorf("p2 filled: %s", tr.FilledNotional(p2))
	}
	if !tr.FilledNotional(p3).Equal(dec("250")) {
		t.Errorf("p3 filled: %s", tr.FilledNotional(p3))
	}
}

func TestTracker_RoundingNeverExceedsCapacity(t *testing.T) {
	tr := fill.NewTracker()
	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		tr.RegisterRequest(ids[i], dec("1"))
	}

	// 1/3 shares of 1.000001 truncate at 6 dp.
	tr.Reapportion(dec("1.000001"))

	total := tr.TotalFilled()
	if total.GreaterThan(dec("1.000001")) {
		t.Errorf("total filled %s exceeds capacity", total)
	}
	for _, id := range ids {
		if !tr.FilledNotional(id).Equal(dec("0.333333")) {
			t.Errorf("filled %s, want 0.333333", tr.FilledNotional(id))
		}
	}
}

func TestTracker_ShrinkingCapacityReducesFills(t *testing.T) {
	tr := fill.NewTracker()
	p1 := uuid.New()
	tr.RegisterRequest(p1, dec("1000"))
	tr.Reapportion(dec("1000"))

	adjs := tr.Reapportion(dec("400"))
	if len(adjs) != 1 {
		t.Fatalf("expected 1 adjustment, got %d", len(adjs))
	}
	if !adjs[0].Before.Equal(dec("1000")) || !adjs[0].After.Equal(dec("400")) {
		t.Errorf("adjustment: before %s after %s", adjs[0].Before, adjs[0].After)
	}

	// Unchanged capacity produces no adjustments.
	if adjs := tr.Reapportion(dec("400")); len(adjs) != 0 {
		t.Errorf("expected no adjustments, got %d", len(adjs))
	}
}

func TestTracker_ZeroCapacity(t *testing.T) {
	tr := fill.NewTracker()
	p1 := uuid.New()
	tr.RegisterRequest(p1, dec("1000"))
	tr.Reapportion(dec("1000"))

	tr.Reapportion(decimal.Zero)
	if !tr.FilledNotional(p1).IsZero() {
		t.Errorf("filled should drop to zero, got %s", tr.FilledNotional(p1))
	}
}

func TestTracker_ReleaseFreesCapacityForOthers(t *testing.T) {
	tr := fill.NewTracker()
	p1, p2 := uuid.New(), uuid.New()
	tr.RegisterRequest(p1, dec("600"))
	tr.RegisterRequest(p2, dec("600"))
	tr.Reapportion(dec("600"))

	if !tr.FilledNotional(p1).Equal(dec("300")) {
		t.Fatalf("p1 filled: %s", tr.FilledNotional(p1))
	}

	if err := tr.Release(p1); err != nil {
		t.Fatalf("release: %v", err)
	}
	tr.Reapportion(dec("600"))

	if !tr.FilledNotional(p2).Equal(dec("600")) {
		t.Errorf("p2 should fill completely, got %s", tr.FilledNotional(p2))
	}
	if err := tr.Release(p1); !errors.Is(err, fill.ErrUnknownPosition) {
		t.Errorf("double release: got %v", err)
	}
}

func TestTracker_DuplicateRegistration(t *testing.T) {
	tr := fill.NewTracker()
	p1 := uuid.New()

	if err := tr.RegisterRequest(p1, dec("100")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.RegisterRequest(p1, dec("200")); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestTracker_Metrics(t *testing.T) {
	tr := fill.NewTracker()
	p1 := uuid.New()
	tr.RegisterRequest(p1, dec("1000"))
	tr.Reapportion(dec("250"))

	m := tr.Metrics()
	if !m.TotalRequested.Equal(dec("1000")) || !m.TotalFilled.Equal(dec("250")) {
		t.Errorf("metrics: requested %s filled %s", m.TotalRequested, m.TotalFilled)
	}
	if m.UtilizationBps != 2500 {
		t.Errorf("utilization: %d bps", m.UtilizationBps)
	}
	if m.RequestCount != 1 {
		t.Errorf("count: %d", m.RequestCount)
	}
}

func TestTracker_SnapshotRestore_PreservesOrder(t *testing.T) {
	tr := fill.NewTracker()
	p1, p2 := uuid.New(), uuid.New()
	tr.RegisterRequest(p1, dec("1000"))
	tr.RegisterRequest(p2, dec("500"))
	tr.Reapportion(dec("900"))

	restored := fill.NewTracker()
	restored.Restore(tr.Snapshot())

	if !restored.TotalFilled().Equal(tr.TotalFilled()) {
		t.Error("filled totals should survive restore")
	}

	// Same capacity after restore yields the same per-position fills.
	restored.Reapportion(dec("900"))
	if !restored.FilledNotional(p1).Equal(tr.FilledNotional(p1)) {
		t.Error("p1 fill should be stable across restore")
	}
	if !restored.FilledNotional(p2).Equal(tr.FilledNotional(p2)) {
		t.Error("p2 fill should be stable across restore")
	}
}
