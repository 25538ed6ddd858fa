package engine

import "testing"

func TestIdempotencyChecker_WarmedKeysHitWithoutDB(t *testing.T) {
	ic := NewIdempotencyChecker(16, nil, nil)

	// Warm keys arrive in the composite form the cache is keyed on.
	ic.WarmFromKeys([]string{
		"PriceFeedUpdate:chainlink:price:5",
		"ReserveDepositConfirmed:deposit:abc",
	})

	if !ic.IsDuplicate("PriceFeedUpdate", "chainlink:price:5") {
		t.Error("warmed price key not reported as duplicate")
	}
	if !ic.IsDuplicate("ReserveDepositConfirmed", "deposit:abc") {
		t.Error("warmed deposit key not reported as duplicate")
	}
	if ic.IsDuplicate("PriceFeedUpdate", "chainlink:price:6") {
		t.Error("unseen key reported as duplicate")
	}
	// Same idempotency key under a different event type is a different event.
	if ic.IsDuplicate("ReserveDepositConfirmed", "chainlink:price:5") {
		t.Error("cross-type key reported as duplicate")
	}
}

func TestIdempotencyChecker_MarkThenCheck(t *testing.T) {
	ic := NewIdempotencyChecker(16, nil, nil)

	ic.MarkProcessed("SyntheticMinted", "mint:xyz")
	if !ic.IsDuplicate("SyntheticMinted", "mint:xyz") {
		t.Error("marked key not reported as duplicate")
	}
	if ic.Size() != 1 {
		t.Errorf("size = %d, want 1", ic.Size())
	}
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil, nil)

	ic.MarkProcessed("A", "1")
	ic.MarkProcessed("A", "2")
	ic.MarkProcessed("A", "3")

	if ic.IsDuplicate("A", "1") {
		t.Error("oldest key survived past capacity")
	}
	if !ic.IsDuplicate("A", "2") || !ic.IsDuplicate("A", "3") {
		t.Error("recent keys evicted")
	}
}
