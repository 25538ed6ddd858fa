package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Quantillon-Labs/synthengine/internal/access"
	"github.com/Quantillon-Labs/synthengine/internal/engine"
	"github.com/Quantillon-Labs/synthengine/internal/event"
	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/Quantillon-Labs/synthengine/internal/ledger"
	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/Quantillon-Labs/synthengine/internal/query"
	"github.com/Quantillon-Labs/synthengine/internal/testutil"
	"github.com/Quantillon-Labs/synthengine/internal/vault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newIntegrationEngine(persist chan engine.Output) *engine.Engine {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return engine.New(engine.Config{
		Clock: func() time.Time { return now },
		Oracle: oracle.Config{
			MinBound:     dec("0.5"),
			MaxBound:     dec("2.0"),
			Source:       "chainlink",
			MaxStaleness: time.Hour,
		},
		Vault: vault.Config{
			MinMint:                 dec("10"),
			MinRedeem:               dec("10"),
			FeeBps:                  10,
			MinCollateralizationBps: 10000,
		},
		Book:        hedger.DefaultConfig(),
		PersistChan: persist,
		Access:      access.NewRegistry(),
		Logger:      zerolog.Nop(),
	})
}

// persistAll writes every drained output in one transaction, the way the
// worker's flush does.
func persistAll(t *testing.T, store *StateStore, writer *EventLogWriter, outputs []engine.Output) {
	t.Helper()
	ctx := context.Background()

	events := make([]EventRow, 0, len(outputs))
	var journals []JournalRow
	for _, out := range outputs {
		row, err := EventRowFromOutput(out)
		if err != nil {
			t.Fatalf("event row: %v", err)
		}
		events = append(events, row)
		journals = append(journals, JournalRowsFromBatch(out.Batch)...)
	}

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	if err := writer.WriteEvents(ctx, tx, events); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := writer.WriteJournals(ctx, tx, journals); err != nil {
		t.Fatalf("write journals: %v", err)
	}
	for _, out := range outputs {
		if err := store.ApplyDelta(ctx, tx, out); err != nil {
			t.Fatalf("apply delta: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func drain(persist chan engine.Output) []engine.Output {
	var out []engine.Output
	for {
		select {
		case o := <-persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persist := make(chan engine.Output, 256)
	eng := newIntegrationEngine(persist)
	user := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	depositEvt := &event.ReserveDepositConfirmed{
		DepositID: uuid.New(),
		Account:   user,
		Amount:    dec("1000"),
		Sequence:  0,
		Timestamp: now,
	}
	if err := eng.ApplyDepositConfirmed(depositEvt); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.ApplyPriceUpdate(&event.PriceFeedUpdate{
		Source:      "chainlink",
		Value:       dec("1.08"),
		Sequence:    1,
		TimestampUs: now.UnixMicro(),
	}); err != nil {
		t.Fatalf("price: %v", err)
	}
	if _, err := eng.Mint(user, dec("100"), decimal.Zero); err != nil {
		t.Fatalf("mint: %v", err)
	}

	store := NewStateStore(db)
	persistAll(t, store, NewEventLogWriter(db), drain(persist))

	rs, ok, err := store.LoadRestoreState(context.Background())
	if err != nil {
		t.Fatalf("load restore state: %v", err)
	}
	if !ok {
		t.Fatal("expected restore state after persist")
	}
	if rs.Sequence != eng.Sequence() {
		t.Errorf("restored sequence = %d, want %d", rs.Sequence, eng.Sequence())
	}
	if rs.StateHash != eng.StateHash() {
		t.Error("restored state hash does not match engine")
	}

	restored := newIntegrationEngine(make(chan engine.Output, 256))
	restored.Restore(rs)

	wantReserve := eng.AvailableBalance(user, ledger.AssetReserve)
	if got := restored.AvailableBalance(user, ledger.AssetReserve); !got.Equal(wantReserve) {
		t.Errorf("restored reserve balance = %s, want %s", got, wantReserve)
	}
	wantSynthetic := eng.AvailableBalance(user, ledger.AssetSynthetic)
	if got := restored.AvailableBalance(user, ledger.AssetSynthetic); !got.Equal(wantSynthetic) {
		t.Errorf("restored synthetic balance = %s, want %s", got, wantSynthetic)
	}

	// The restored engine has no DB checker, so only the warmed cache can
	// recognize a broker redelivery of an already-persisted event.
	if err := restored.ApplyDepositConfirmed(depositEvt); err != nil {
		t.Fatalf("redelivered deposit after restore: %v, want silent drop", err)
	}
	if got := restored.AvailableBalance(user, ledger.AssetReserve); !got.Equal(wantReserve) {
		t.Errorf("balance after redelivery = %s, want %s", got, wantReserve)
	}

	// Replaying the same outputs must be a no-op thanks to ON CONFLICT.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log.events").Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if int64(count) != eng.Sequence() {
		t.Errorf("event count = %d, want %d", count, eng.Sequence())
	}
}

func TestVerifyIntegrityOnPersistedLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persist := make(chan engine.Output, 256)
	eng := newIntegrationEngine(persist)
	user := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := eng.ApplyDepositConfirmed(&event.ReserveDepositConfirmed{
		DepositID: uuid.New(),
		Account:   user,
		Amount:    dec("500"),
		Sequence:  0,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.ApplyPriceUpdate(&event.PriceFeedUpdate{
		Source:      "chainlink",
		Value:       dec("1.10"),
		Sequence:    1,
		TimestampUs: now.UnixMicro(),
	}); err != nil {
		t.Fatalf("price: %v", err)
	}

	store := NewStateStore(db)
	persistAll(t, store, NewEventLogWriter(db), drain(persist))

	report, err := query.NewService(db).VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("report unhealthy: breaks=%v unbalanced=%v", report.HashChainBreaks, report.UnbalancedAssets)
	}
	if report.LastSequence != eng.Sequence()-1 {
		t.Errorf("last sequence = %d, want %d", report.LastSequence, eng.Sequence()-1)
	}
}

func TestIdempotencyCheckerFindsPersistedEvent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persist := make(chan engine.Output, 256)
	eng := newIntegrationEngine(persist)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := eng.ApplyPriceUpdate(&event.PriceFeedUpdate{
		Source:      "chainlink",
		Value:       dec("1.08"),
		Sequence:    9,
		TimestampUs: now.UnixMicro(),
	}); err != nil {
		t.Fatalf("price: %v", err)
	}

	outputs := drain(persist)
	if len(outputs) != 1 {
		t.Fatalf("len(outputs) = %d, want 1", len(outputs))
	}
	store := NewStateStore(db)
	persistAll(t, store, NewEventLogWriter(db), outputs)

	checker := NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(outputs[0].Envelope.EventType.String(), outputs[0].Envelope.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("expected persisted event to be reported as duplicate")
	}

	dup, err = checker.IsDuplicate("PriceFeedUpdate", "never-seen")
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("unknown key reported as duplicate")
	}
}
