package ledger_test

import (
	"testing"

	"github.com/Quantillon-Labs/synthengine/internal/ledger"
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

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	account := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(account, ledger.SubTypeAvailable, ledger.AssetReserve)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:available:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPaths(t *testing.T) {
	if got := ledger.VaultReserveAccount().AccountPath(); got != "system:vault:USDC" {
		t.Errorf("vault path: got %q", got)
	}
	if got := ledger.FeeAccount().AccountPath(); got != "system:fees:USDC" {
		t.Errorf("fee path: got %q", got)
	}
	if got := ledger.IssuanceAccount().AccountPath(); got != "system:issuance:QEURO" {
		t.Errorf("issuance path: got %q", got)
	}
}

func TestGetAssetID(t *testing.T) {
	id, ok := ledger.GetAssetID("USDC")
	if !ok || id != ledger.AssetReserve {
		t.Fatalf("USDC should map to AssetReserve, got %d (%v)", id, ok)
	}
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	account := uuid.New()

	if !bt.Available(account, ledger.AssetReserve).IsZero() {
		t.Error("initial balance should be zero")
	}
}

func TestBalanceTracker_DepositThenMint_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jb := ledger.NewJournalBuilder(0)
	account := uuid.New()

	if err := bt.ApplyBatch(jb.DepositConfirmed(account, "dep-1", dec("1000"), 1)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if !bt.Available(account, ledger.AssetReserve).Equal(dec("1000")) {
		t.Errorf("available after deposit: %s", bt.Available(account, ledger.AssetReserve))
	}

	// Mint 999 net + 1 fee for 1078.92 synthetic
	if err := bt.ApplyBatch(jb.Mint(account, "mint-1", dec("999"), dec("1"), dec("1078.92"), 2)); err != nil {
		t.Fatalf("apply mint: %v", err)
	}

	if !bt.Available(account, ledger.AssetReserve).IsZero() {
		t.Errorf("reserve should be fully consumed, got %s", bt.Available(account, ledger.AssetReserve))
	}
	if !bt.Available(account, ledger.AssetSynthetic).Equal(dec("1078.92")) {
		t.Errorf("synthetic balance: %s", bt.Available(account, ledger.AssetSynthetic))
	}
	if !bt.GetBalance(ledger.VaultReserveAccount()).Equal(dec("999")) {
		t.Errorf("vault balance: %s", bt.GetBalance(ledger.VaultReserveAccount()))
	}
	if !bt.GetBalance(ledger.FeeAccount()).Equal(dec("1")) {
		t.Errorf("fee balance: %s", bt.GetBalance(ledger.FeeAccount()))
	}

	for asset, total := range bt.ComputeGlobalBalance() {
		if !total.IsZero() {
			t.Errorf("asset %d has non-zero global balance: %s", asset, total)
		}
	}
}

func TestBalanceTracker_MarginLockAndRelease(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jb := ledger.NewJournalBuilder(0)
	account := uuid.New()

	bt.ApplyBatch(jb.DepositConfirmed(account, "dep-1", dec("500"), 1))
	bt.ApplyBatch(jb.MarginLock(account, "open-1", dec("100"), 2))

	if !bt.Available(account, ledger.AssetReserve).Equal(dec("400")) {
		t.Errorf("available: %s", bt.Available(account, ledger.AssetReserve))
	}
	if !bt.MarginLocked(account).Equal(dec("100")) {
		t.Errorf("margin: %s", bt.MarginLocked(account))
	}

	bt.ApplyBatch(jb.MarginRelease(account, "close-1", dec("100"), 3))
	if !bt.MarginLocked(account).IsZero() {
		t.Errorf("margin after release: %s", bt.MarginLocked(account))
	}
}

func TestBalanceTracker_RequireAvailable(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jb := ledger.NewJournalBuilder(0)
	account := uuid.New()

	if err := bt.RequireAvailable(account, ledger.AssetReserve, dec("1")); err == nil {
		t.Error("expected error for empty account")
	}

	bt.ApplyBatch(jb.DepositConfirmed(account, "dep-1", dec("100"), 1))

	if err := bt.RequireAvailable(account, ledger.AssetReserve, dec("100")); err != nil {
		t.Errorf("exact balance should pass: %v", err)
	}
	if err := bt.RequireAvailable(account, ledger.AssetReserve, dec("100.000001")); err == nil {
		t.Error("expected error for amount above balance")
	}
}

func TestBalanceTracker_Snapshot_Isolated(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jb := ledger.NewJournalBuilder(0)
	account := uuid.New()

	bt.ApplyBatch(jb.DepositConfirmed(account, "dep-1", dec("999"), 1))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	for k := range snap {
		snap[k] = decimal.Zero
	}

	if !bt.Available(account, ledger.AssetReserve).Equal(dec("999")) {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	account := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(account, ledger.SubTypeAvailable, ledger.AssetReserve),
				CreditAccount: ledger.VaultReserveAccount(),
				AssetID:       ledger.AssetReserve,
				Amount:        decimal.Zero,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	key := ledger.VaultReserveAccount()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  key,
				CreditAccount: key,
				AssetID:       ledger.AssetReserve,
				Amount:        dec("1"),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self transfer should fail validation")
	}
}

// ============================================================================
// Test: Liquidation batch zero-sums the margin account
// ============================================================================

func TestLiquidationBatch_DrainsMargin(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jb := ledger.NewJournalBuilder(0)
	account := uuid.New()

	bt.ApplyBatch(jb.DepositConfirmed(account, "dep-1", dec("100"), 1))
	bt.ApplyBatch(jb.MarginLock(account, "open-1", dec("100"), 2))

	// Loss of 60 settles with the vault, remaining 40 seized.
	if err := bt.ApplyBatch(jb.Liquidation(account, "liq-1", dec("60"), dec("40"), 3)); err != nil {
		t.Fatalf("apply liquidation: %v", err)
	}

	if !bt.MarginLocked(account).IsZero() {
		t.Errorf("margin should be drained, got %s", bt.MarginLocked(account))
	}
	if !bt.GetBalance(ledger.VaultReserveAccount()).Equal(dec("60")) {
		t.Errorf("vault should hold the loss leg, got %s", bt.GetBalance(ledger.VaultReserveAccount()))
	}
	if !bt.GetBalance(ledger.InsuranceFundAccount()).Equal(dec("40")) {
		t.Errorf("insurance fund: %s", bt.GetBalance(ledger.InsuranceFundAccount()))
	}

	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}
