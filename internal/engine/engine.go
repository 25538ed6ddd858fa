package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Quantillon-Labs/synthengine/internal/access"
	"github.com/Quantillon-Labs/synthengine/internal/event"
	"github.com/Quantillon-Labs/synthengine/internal/fill"
	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/Quantillon-Labs/synthengine/internal/ledger"
	"github.com/Quantillon-Labs/synthengine/internal/observability"
	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/Quantillon-Labs/synthengine/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Output is one committed engine step: the event envelope, its balanced
// journal batch (empty for state-only events), and the durable state delta.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Delta    *StateDelta
}

// StateDelta carries the state that changed in one step, for the
// persistence worker to upsert. Nil sections were untouched.
type StateDelta struct {
	Vault     *vault.State
	Price     *oracle.State
	Positions []hedger.Position
	Fills     []fill.Record
	Balances  map[ledger.AccountKey]decimal.Decimal
}

// Config holds the engine's startup parameters.
type Config struct {
	StartSequence int64
	Clock         func() time.Time
	Oracle        oracle.Config
	Vault         vault.Config
	Book          hedger.Config

	// PersistChan receives every output with a blocking send; the engine
	// stalls rather than lose an event. PublishChan is best-effort.
	PersistChan chan<- Output
	PublishChan chan<- Output

	DBChecker DBIdempotencyChecker
	Access    *access.Registry
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Engine serializes every operation behind one mutex: all writes observe a
// fully settled state, and the state hash chain is deterministic given the
// operation order.
type Engine struct {
	mu       sync.Mutex
	sequence int64
	clock    func() time.Time

	gate  *oracle.Gate
	vault *vault.Vault
	book  *hedger.Book
	fills *fill.Tracker

	balances  *ledger.BalanceTracker
	journals  *ledger.JournalBuilder
	validator *ledger.InvariantValidator

	access       *access.Registry
	hasher       *StateHasher
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	reg := cfg.Access
	if reg == nil {
		reg = access.NewRegistry()
	}
	balances := ledger.NewBalanceTracker()

	return &Engine{
		sequence:     cfg.StartSequence,
		clock:        clock,
		gate:         oracle.NewGate(cfg.Oracle, clock),
		vault:        vault.New(cfg.Vault),
		book:         hedger.NewBook(cfg.Book),
		fills:        fill.NewTracker(),
		balances:     balances,
		journals:     ledger.NewJournalBuilder(cfg.StartSequence),
		validator:    ledger.NewInvariantValidator(balances),
		access:       reg,
		hasher:       NewStateHasher(),
		idempotency:  NewIdempotencyChecker(1_000_000, cfg.DBChecker, cfg.Metrics),
		seqValidator: NewSequenceValidator(cfg.Metrics),
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		persistChan:  cfg.PersistChan,
		publishChan:  cfg.PublishChan,
	}
}

// ============================================================================
// Vault operations
// ============================================================================

// Mint converts the actor's reserve balance into newly issued synthetic at
// the current oracle price. minOut is the slippage guard (zero disables).
func (e *Engine) Mint(actor uuid.UUID, reserveIn, minOut decimal.Decimal) (vault.MintResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "mint"
	start := time.Now()

	price, err := e.gate.UsablePrice()
	if err != nil {
		return vault.MintResult{}, e.reject(op, "oracle", err)
	}
	if err := e.balances.RequireAvailable(actor, ledger.AssetReserve, reserveIn); err != nil {
		return vault.MintResult{}, e.reject(op, "balance", err)
	}

	ts := e.clock()
	res, err := e.vault.Mint(reserveIn, price, minOut, e.book.TotalMargin(), ts)
	if err != nil {
		return vault.MintResult{}, e.reject(op, "vault", err)
	}

	key := fmt.Sprintf("mint:%s", uuid.New())
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.Mint(actor, key, res.NetReserve, res.Fee, res.SyntheticOut, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypeSyntheticMinted, key, 0, ts, batch, event.SyntheticMinted{
		Account:         actor,
		ReserveIn:       reserveIn,
		SyntheticOut:    res.SyntheticOut,
		Fee:             res.Fee,
		Price:           price,
		ReserveBalance:  e.vault.ReserveBalance(),
		SyntheticSupply: e.vault.SyntheticSupply(),
	}, e.vaultDelta(batch))

	e.reapportion(ts)
	e.finishOp(op, start)
	return res, nil
}

// Redeem burns the actor's synthetic balance and pays out reserve at the
// current oracle price.
func (e *Engine) Redeem(actor uuid.UUID, syntheticIn, minOut decimal.Decimal) (vault.RedeemResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "redeem"
	start := time.Now()

	price, err := e.gate.UsablePrice()
	if err != nil {
		return vault.RedeemResult{}, e.reject(op, "oracle", err)
	}
	if err := e.balances.RequireAvailable(actor, ledger.AssetSynthetic, syntheticIn); err != nil {
		return vault.RedeemResult{}, e.reject(op, "balance", err)
	}

	ts := e.clock()
	res, err := e.vault.Redeem(syntheticIn, price, minOut, e.book.TotalMargin(), ts)
	if err != nil {
		return vault.RedeemResult{}, e.reject(op, "vault", err)
	}

	key := fmt.Sprintf("redeem:%s", uuid.New())
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.Redeem(actor, key, res.ReserveOut, res.Fee, syntheticIn, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypeSyntheticRedeemed, key, 0, ts, batch, event.SyntheticRedeemed{
		Account:         actor,
		SyntheticIn:     syntheticIn,
		ReserveOut:      res.ReserveOut,
		Fee:             res.Fee,
		Price:           price,
		ReserveBalance:  e.vault.ReserveBalance(),
		SyntheticSupply: e.vault.SyntheticSupply(),
	}, e.vaultDelta(batch))

	e.reapportion(ts)
	e.finishOp(op, start)
	return res, nil
}

// CollectFees drains accrued protocol fees to the collector's available
// balance. Requires the YIELD_MANAGER capability.
func (e *Engine) CollectFees(actor uuid.UUID) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "collect_fees"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleYieldManager); err != nil {
		return decimal.Zero, e.reject(op, "authorization", err)
	}
	if e.vault.AccruedFees().Sign() <= 0 {
		return decimal.Zero, e.reject(op, "vault", fmt.Errorf("%w: no accrued fees", vault.ErrInvalidAmount))
	}

	ts := e.clock()
	amount := e.vault.CollectFees(ts)

	key := fmt.Sprintf("collect_fees:%s", uuid.New())
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.FeeCollection(actor, key, amount, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypeFeesCollected, key, 0, ts, batch, event.FeesCollected{
		Collector: actor,
		Amount:    amount,
	}, e.vaultDelta(batch))

	e.finishOp(op, start)
	return amount, nil
}

// ============================================================================
// Position operations
// ============================================================================

// OpenPosition locks margin from the actor's available balance and opens a
// leveraged exposure request at the current oracle price.
func (e *Engine) OpenPosition(actor uuid.UUID, margin decimal.Decimal, leverage int64) (*hedger.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "open_position"
	start := time.Now()

	price, err := e.gate.UsablePrice()
	if err != nil {
		return nil, e.reject(op, "oracle", err)
	}
	if err := e.balances.RequireAvailable(actor, ledger.AssetReserve, margin); err != nil {
		return nil, e.reject(op, "balance", err)
	}

	ts := e.clock()
	pos, err := e.book.Open(actor, margin, leverage, price, ts)
	if err != nil {
		return nil, e.reject(op, "book", err)
	}
	if err := e.fills.RegisterRequest(pos.ID, pos.Notional); err != nil {
		panic(fmt.Sprintf("FATAL: fill request for fresh position: %v", err))
	}

	key := fmt.Sprintf("open_position:%s", pos.ID)
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.MarginLock(actor, key, margin, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypePositionOpened, key, 0, ts, batch, event.PositionOpened{
		PositionID: pos.ID,
		Owner:      actor,
		Margin:     pos.Margin,
		Notional:   pos.Notional,
		Leverage:   int(pos.Leverage),
		EntryPrice: pos.EntryPrice,
		OpenedAt:   pos.EntryTime,
	}, e.positionDelta(batch, *pos))

	e.reapportion(ts)
	e.finishOp(op, start)
	return pos, nil
}

// AddMargin moves reserve from the actor's available balance into a
// position's margin. Allowed even while the circuit breaker is active,
// since it only reduces risk.
func (e *Engine) AddMargin(actor, positionID uuid.UUID, amount decimal.Decimal) (*hedger.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "add_margin"
	start := time.Now()

	if err := e.balances.RequireAvailable(actor, ledger.AssetReserve, amount); err != nil {
		return nil, e.reject(op, "balance", err)
	}

	ts := e.clock()
	pos, err := e.book.AddMargin(positionID, actor, amount)
	if err != nil {
		return nil, e.reject(op, "book", err)
	}

	key := fmt.Sprintf("add_margin:%s:%s", positionID, uuid.New())
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.MarginLock(actor, key, amount, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypeMarginAdded, key, 0, ts, batch, event.MarginChanged{
		PositionID:     positionID,
		Owner:          actor,
		Amount:         amount,
		Margin:         pos.Margin,
		MarginRatioBps: e.currentRatio(positionID),
	}, e.positionDelta(batch, *pos))

	e.finishOp(op, start)
	return pos, nil
}

// RemoveMargin withdraws margin back to the actor's available balance. The
// position must stay at or above the minimum margin ratio at the current
// oracle price.
func (e *Engine) RemoveMargin(actor, positionID uuid.UUID, amount decimal.Decimal) (*hedger.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "remove_margin"
	start := time.Now()

	price, err := e.gate.UsablePrice()
	if err != nil {
		return nil, e.reject(op, "oracle", err)
	}

	ts := e.clock()
	pos, err := e.book.RemoveMargin(positionID, actor, amount, e.fills.FilledNotional(positionID), price)
	if err != nil {
		return nil, e.reject(op, "book", err)
	}

	key := fmt.Sprintf("remove_margin:%s:%s", positionID, uuid.New())
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.MarginRelease(actor, key, amount, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypeMarginRemoved, key, 0, ts, batch, event.MarginChanged{
		PositionID:     positionID,
		Owner:          actor,
		Amount:         amount.Neg(),
		Margin:         pos.Margin,
		MarginRatioBps: e.currentRatio(positionID),
	}, e.positionDelta(batch, *pos))

	e.finishOp(op, start)
	return pos, nil
}

// ClosePosition settles a position at the current oracle price. Gains are
// paid from vault reserves, losses flow into them; the loss leg is capped
// at the position's margin.
func (e *Engine) ClosePosition(actor, positionID uuid.UUID) (hedger.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "close_position"
	start := time.Now()

	price, err := e.gate.UsablePrice()
	if err != nil {
		return hedger.CloseResult{}, e.reject(op, "oracle", err)
	}

	ts := e.clock()
	filled := e.fills.FilledNotional(positionID)
	res, err := e.book.Close(positionID, actor, filled, price, ts)
	if err != nil {
		return hedger.CloseResult{}, e.reject(op, "book", err)
	}

	settlePnL := res.PnL
	if settlePnL.Sign() < 0 && settlePnL.Neg().GreaterThan(res.Position.Margin) {
		settlePnL = res.Position.Margin.Neg()
	}
	if err := e.vault.AdjustReserve(settlePnL.Neg(), ts); err != nil {
		// Reserves cannot cover the full gain; pay out what exists.
		settlePnL = e.vault.ReserveBalance()
		_ = e.vault.AdjustReserve(settlePnL.Neg(), ts)
	}

	if err := e.fills.Release(positionID); err != nil {
		panic(fmt.Sprintf("FATAL: release fill for closed position: %v", err))
	}

	key := fmt.Sprintf("close_position:%s", positionID)
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.PositionClose(actor, key, res.Position.Margin, settlePnL, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypePositionClosed, key, 0, ts, batch, event.PositionClosed{
		PositionID: positionID,
		Owner:      actor,
		ExitPrice:  price,
		PnL:        res.PnL,
		Settlement: res.Position.Margin.Add(settlePnL),
	}, e.positionDelta(batch, *res.Position))

	e.reapportion(ts)
	e.finishOp(op, start)
	return res, nil
}

// LiquidatePosition force-closes an underwater position. Requires the
// LIQUIDATOR capability. The realized loss settles into vault reserves and
// the remaining margin is seized into the insurance fund.
func (e *Engine) LiquidatePosition(actor, positionID uuid.UUID) (hedger.LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "liquidate_position"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleLiquidator); err != nil {
		return hedger.LiquidationResult{}, e.reject(op, "authorization", err)
	}
	price, err := e.gate.UsablePrice()
	if err != nil {
		return hedger.LiquidationResult{}, e.reject(op, "oracle", err)
	}

	ts := e.clock()
	filled := e.fills.FilledNotional(positionID)
	res, err := e.book.Liquidate(positionID, filled, price, ts)
	if err != nil {
		return hedger.LiquidationResult{}, e.reject(op, "book", err)
	}

	if res.Loss.Sign() > 0 {
		if err := e.vault.AdjustReserve(res.Loss, ts); err != nil {
			panic(fmt.Sprintf("FATAL: reserve adjust on liquidation: %v", err))
		}
	}
	if err := e.fills.Release(positionID); err != nil {
		panic(fmt.Sprintf("FATAL: release fill for liquidated position: %v", err))
	}

	key := fmt.Sprintf("liquidate_position:%s", positionID)
	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.Liquidation(res.Position.Owner, key, res.Loss, res.SeizedMargin, ts.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, event.EventTypePositionLiquidated, key, 0, ts, batch, event.PositionLiquidated{
		PositionID:     positionID,
		Owner:          res.Position.Owner,
		Liquidator:     actor,
		ExitPrice:      price,
		PnL:            res.PnL,
		SeizedMargin:   res.SeizedMargin,
		MarginRatioBps: res.MarginRatioBps,
	}, e.positionDelta(batch, *res.Position))

	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
		e.metrics.LiquidationSeized.Add(res.SeizedMargin.InexactFloat64())
	}

	e.reapportion(ts)
	e.finishOp(op, start)
	return res, nil
}

// ============================================================================
// Oracle governance
// ============================================================================

// UpdatePriceBounds replaces the feed validity band. Requires ADMIN.
func (e *Engine) UpdatePriceBounds(actor uuid.UUID, minBound, maxBound decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "update_price_bounds"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleAdmin); err != nil {
		return e.reject(op, "authorization", err)
	}
	if err := e.gate.UpdateBounds(minBound, maxBound); err != nil {
		return e.reject(op, "oracle", err)
	}

	ts := e.clock()
	key := fmt.Sprintf("update_price_bounds:%s", uuid.New())
	e.commit(op, event.EventTypePriceBoundsUpdated, key, 0, ts, nil, event.PriceBoundsUpdated{
		MinBound: minBound,
		MaxBound: maxBound,
	}, e.oracleDelta())

	e.finishOp(op, start)
	return nil
}

// UpdatePriceSource switches the accepted feed source. Requires ADMIN. The
// current price is discarded until the new source delivers.
func (e *Engine) UpdatePriceSource(actor uuid.UUID, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "update_price_source"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleAdmin); err != nil {
		return e.reject(op, "authorization", err)
	}
	previous := e.gate.UpdateSource(source)

	ts := e.clock()
	key := fmt.Sprintf("update_price_source:%s", uuid.New())
	e.commit(op, event.EventTypePriceSourceUpdated, key, 0, ts, nil, event.PriceSourceUpdated{
		Source: source,
	}, e.oracleDelta())

	e.logger.Info().Str("previous", previous).Str("source", source).Msg("price source switched")
	e.finishOp(op, start)
	return nil
}

// TriggerCircuitBreaker halts all price-dependent operations. Requires the
// EMERGENCY capability. Idempotent; a second trigger emits nothing.
func (e *Engine) TriggerCircuitBreaker(actor uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "trigger_circuit_breaker"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleEmergency); err != nil {
		return e.reject(op, "authorization", err)
	}
	if !e.gate.Trip() {
		return nil
	}
	if e.metrics != nil {
		e.metrics.CircuitBreakerActive.Set(1)
	}

	ts := e.clock()
	key := fmt.Sprintf("circuit_breaker:trip:%s", uuid.New())
	e.commit(op, event.EventTypeCircuitBreakerTripped, key, 0, ts, nil, event.CircuitBreakerChanged{
		Active: true,
		Actor:  actor,
	}, e.oracleDelta())

	e.finishOp(op, start)
	return nil
}

// ResetCircuitBreaker resumes price-dependent operations. Requires ADMIN.
func (e *Engine) ResetCircuitBreaker(actor uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "reset_circuit_breaker"
	start := time.Now()

	if err := e.access.Require(actor, access.RoleAdmin); err != nil {
		return e.reject(op, "authorization", err)
	}
	if !e.gate.Reset() {
		return nil
	}
	if e.metrics != nil {
		e.metrics.CircuitBreakerActive.Set(0)
	}

	ts := e.clock()
	key := fmt.Sprintf("circuit_breaker:reset:%s", uuid.New())
	e.commit(op, event.EventTypeCircuitBreakerReset, key, 0, ts, nil, event.CircuitBreakerChanged{
		Active: false,
		Actor:  actor,
	}, e.oracleDelta())

	e.finishOp(op, start)
	return nil
}

// ============================================================================
// Inbound events (NATS ingestion path)
// ============================================================================

// ApplyPriceUpdate ingests one oracle observation. Stale sequences and
// redeliveries drop silently; out-of-bounds values are errors.
func (e *Engine) ApplyPriceUpdate(evt *event.PriceFeedUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "price_update"
	start := time.Now()

	eventType := evt.EventType().String()
	if e.idempotency.IsDuplicate(eventType, evt.IdempotencyKey()) {
		return nil
	}
	if e.seqValidator.ValidatePriceSequence(evt.Source, evt.Sequence) {
		if e.metrics != nil {
			e.metrics.OracleUpdatesDropped.WithLabelValues("stale_sequence").Inc()
		}
		return nil
	}

	accepted, err := e.gate.ApplyFeedUpdate(evt.Source, evt.Value, evt.Sequence, evt.Timestamp())
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleUpdatesDropped.WithLabelValues("bounds").Inc()
		}
		return e.reject(op, "oracle", err)
	}
	if !accepted {
		if e.metrics != nil {
			e.metrics.OracleUpdatesDropped.WithLabelValues("source").Inc()
		}
		return nil
	}

	e.commit(op, event.EventTypePriceFeedUpdate, evt.IdempotencyKey(), evt.Sequence, evt.Timestamp(), nil, evt, e.oracleDelta())
	e.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	if e.metrics != nil {
		e.metrics.OracleUpdatesApplied.Inc()
		e.metrics.OraclePrice.Set(evt.Value.InexactFloat64())
	}
	e.finishOp(op, start)
	return nil
}

// ApplyDepositConfirmed credits a confirmed external reserve deposit to the
// account's available balance.
func (e *Engine) ApplyDepositConfirmed(evt *event.ReserveDepositConfirmed) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "deposit_confirmed"
	start := time.Now()

	eventType := evt.EventType().String()
	isDup := e.idempotency.IsDuplicate(eventType, evt.IdempotencyKey())
	if err := e.seqValidator.ValidateSequence("deposits", evt.Sequence, isDup); err != nil {
		return e.reject(op, "sequence", err)
	}
	if isDup {
		return nil
	}
	if evt.Amount.Sign() <= 0 {
		return e.reject(op, "validation", fmt.Errorf("non-positive deposit amount %s", evt.Amount))
	}

	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.DepositConfirmed(evt.Account, evt.IdempotencyKey(), evt.Amount, evt.Timestamp.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, evt.EventType(), evt.IdempotencyKey(), evt.Sequence, evt.Timestamp, batch, event.ReserveBalanceChanged{
		Account: evt.Account,
		Amount:  evt.Amount,
		Kind:    "deposit",
	}, e.balanceDelta(batch))
	e.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	e.finishOp(op, start)
	return nil
}

// ApplyWithdrawalRequested moves reserve from available into the pending
// withdrawal bucket.
func (e *Engine) ApplyWithdrawalRequested(evt *event.ReserveWithdrawalRequested) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "withdrawal_requested"
	start := time.Now()

	eventType := evt.EventType().String()
	isDup := e.idempotency.IsDuplicate(eventType, evt.IdempotencyKey())
	if err := e.seqValidator.ValidateSequence("withdrawals", evt.Sequence, isDup); err != nil {
		return e.reject(op, "sequence", err)
	}
	if isDup {
		return nil
	}
	if err := e.balances.RequireAvailable(evt.Account, ledger.AssetReserve, evt.Amount); err != nil {
		return e.reject(op, "balance", err)
	}

	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.WithdrawalRequested(evt.Account, evt.IdempotencyKey(), evt.Amount, evt.Timestamp.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, evt.EventType(), evt.IdempotencyKey(), evt.Sequence, evt.Timestamp, batch, event.ReserveBalanceChanged{
		Account: evt.Account,
		Amount:  evt.Amount.Neg(),
		Kind:    "withdrawal_requested",
	}, e.balanceDelta(batch))
	e.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	e.finishOp(op, start)
	return nil
}

// ApplyWithdrawalConfirmed settles a pending withdrawal out of the system.
func (e *Engine) ApplyWithdrawalConfirmed(evt *event.ReserveWithdrawalConfirmed) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "withdrawal_confirmed"
	start := time.Now()

	eventType := evt.EventType().String()
	isDup := e.idempotency.IsDuplicate(eventType, evt.IdempotencyKey())
	if err := e.seqValidator.ValidateSequence("withdrawals", evt.Sequence, isDup); err != nil {
		return e.reject(op, "sequence", err)
	}
	if isDup {
		return nil
	}
	if e.balances.PendingWithdrawal(evt.Account).LessThan(evt.Amount) {
		return e.reject(op, "balance", fmt.Errorf("%w: pending %s < confirm %s",
			ledger.ErrInsufficientBalance, e.balances.PendingWithdrawal(evt.Account), evt.Amount))
	}

	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.WithdrawalConfirmed(evt.Account, evt.IdempotencyKey(), evt.Amount, evt.Timestamp.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, evt.EventType(), evt.IdempotencyKey(), evt.Sequence, evt.Timestamp, batch, event.ReserveBalanceChanged{
		Account: evt.Account,
		Amount:  evt.Amount.Neg(),
		Kind:    "withdrawal_confirmed",
	}, e.balanceDelta(batch))
	e.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	e.finishOp(op, start)
	return nil
}

// ApplyWithdrawalRejected returns a pending withdrawal to available.
func (e *Engine) ApplyWithdrawalRejected(evt *event.ReserveWithdrawalRejected) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	const op = "withdrawal_rejected"
	start := time.Now()

	eventType := evt.EventType().String()
	isDup := e.idempotency.IsDuplicate(eventType, evt.IdempotencyKey())
	if err := e.seqValidator.ValidateSequence("withdrawals", evt.Sequence, isDup); err != nil {
		return e.reject(op, "sequence", err)
	}
	if isDup {
		return nil
	}
	if e.balances.PendingWithdrawal(evt.Account).LessThan(evt.Amount) {
		return e.reject(op, "balance", fmt.Errorf("%w: pending %s < reject %s",
			ledger.ErrInsufficientBalance, e.balances.PendingWithdrawal(evt.Account), evt.Amount))
	}

	batch := e.buildBatch(func(jb *ledger.JournalBuilder) *ledger.Batch {
		return jb.WithdrawalRejected(evt.Account, evt.IdempotencyKey(), evt.Amount, evt.Timestamp.UnixMicro())
	})
	e.apply(batch)
	e.commit(op, evt.EventType(), evt.IdempotencyKey(), evt.Sequence, evt.Timestamp, batch, event.ReserveBalanceChanged{
		Account: evt.Account,
		Amount:  evt.Amount,
		Kind:    "withdrawal_rejected",
	}, e.balanceDelta(batch))
	e.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	e.finishOp(op, start)
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// PositionView is the read-side join of a position with its fill state.
type PositionView struct {
	Position       hedger.Position
	FilledNotional decimal.Decimal
	MarginRatioBps int64
}

// VaultMetrics reports the vault view at the last accepted price.
func (e *Engine) VaultMetrics() vault.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, _ := e.gate.CurrentPrice()
	return e.vault.Metrics(price, e.book.TotalMargin())
}

// PositionInfo returns one position joined with its fill state.
func (e *Engine) PositionInfo(positionID uuid.UUID) (PositionView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.book.Get(positionID)
	if !ok {
		return PositionView{}, fmt.Errorf("%w: %s", hedger.ErrPositionNotFound, positionID)
	}
	return PositionView{
		Position:       *pos,
		FilledNotional: e.fills.FilledNotional(positionID),
		MarginRatioBps: e.currentRatio(positionID),
	}, nil
}

// ActivePositions returns every active position's view.
func (e *Engine) ActivePositions() []PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.book.ActivePositionIDs()
	out := make([]PositionView, 0, len(ids))
	for _, id := range ids {
		pos, _ := e.book.Get(id)
		out = append(out, PositionView{
			Position:       *pos,
			FilledNotional: e.fills.FilledNotional(id),
			MarginRatioBps: e.currentRatio(id),
		})
	}
	return out
}

// FillMetrics reports the exposure tracker totals.
func (e *Engine) FillMetrics() fill.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fills.Metrics()
}

// OracleState returns the gate snapshot for read APIs.
func (e *Engine) OracleState() oracle.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.Snapshot()
}

// AvailableBalance returns one account's available balance for an asset.
func (e *Engine) AvailableBalance(account uuid.UUID, assetID ledger.AssetID) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.Available(account, assetID)
}

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current hash chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// ============================================================================
// Recovery
// ============================================================================

// RestoreState is the persisted engine state loaded on boot.
type RestoreState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]decimal.Decimal
	Vault           vault.State
	Price           oracle.State
	Positions       []hedger.Position
	Fills           []fill.Record
	Partitions      map[string]int64
	IdempotencyKeys []string
}

// Restore loads persisted state. Must be called before the first operation.
func (e *Engine) Restore(s RestoreState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = s.Sequence
	e.hasher.SetPrevHash(s.StateHash)
	for key, balance := range s.Balances {
		e.balances.SetBalance(key, balance)
	}
	e.vault.Restore(s.Vault)
	e.gate.Restore(s.Price)
	e.book.Restore(s.Positions)
	e.fills.Restore(s.Fills)
	for partition, seq := range s.Partitions {
		e.seqValidator.RestorePartition(partition, seq)
	}
	e.idempotency.WarmFromKeys(s.IdempotencyKeys)
	e.journals.SetSequence(s.Sequence)
	e.updateGauges()
}

// ============================================================================
// Internals
// ============================================================================

// buildBatch synchronizes the journal builder to the engine sequence before
// constructing a batch.
func (e *Engine) buildBatch(build func(*ledger.JournalBuilder) *ledger.Batch) *ledger.Batch {
	e.journals.SetSequence(e.sequence)
	return build(e.journals)
}

// apply validates a batch against the double-entry invariants and applies
// it to the in-memory balances. Failure here means an engine bug, not a
// rejectable input, so it panics.
func (e *Engine) apply(batch *ledger.Batch) {
	if batch == nil || len(batch.Journals) == 0 {
		return
	}
	if err := e.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := e.balances.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply validated batch: %v", err))
	}
}

// commit runs the shared tail of every operation: advance the hash chain
// over the post-apply state, assemble the envelope, and emit. The persist
// send blocks (no event may be lost); the publish send drops when the
// consumer falls behind.
func (e *Engine) commit(op string, et event.EventType, key string, sourceSeq int64, ts time.Time, batch *ledger.Batch, payload any, delta *StateDelta) *event.Envelope {
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(batch))

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		EventType:      et,
		Timestamp:      ts.UTC(),
		SourceSequence: sourceSeq,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := Output{Envelope: envelope, Batch: batch, Delta: delta}
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	e.logger.Info().
		Str("op", op).
		Int64("sequence", envelope.Sequence).
		Str("event_type", et.String()).
		Str("key", key).
		Msg("operation applied")

	return envelope
}

// reapportion refills hedger exposure against current vault reserves and
// emits one derived FillAdjusted event per changed record.
func (e *Engine) reapportion(ts time.Time) {
	adjustments := e.fills.Reapportion(e.vault.ReserveBalance())
	for _, adj := range adjustments {
		key := fmt.Sprintf("fill:adjusted:%s:%d", adj.PositionID, e.sequence)
		e.commit("fill_adjusted", event.EventTypeFillAdjusted, key, 0, ts, nil, event.FillAdjusted{
			PositionID:   adj.PositionID,
			Requested:    adj.Requested,
			FilledBefore: adj.Before,
			FilledAfter:  adj.After,
		}, &StateDelta{Fills: e.fills.Snapshot()})
		if e.metrics != nil {
			e.metrics.FillAdjustments.Inc()
		}
	}
}

// computeStateDigest builds canonical bytes over the accounts a batch
// touched, in path order.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		balance := e.balances.GetBalance(key).String()
		digest = append(digest, byte(len(balance)))
		digest = append(digest, []byte(balance)...)
	}
	return digest
}

func (e *Engine) currentRatio(positionID uuid.UUID) int64 {
	price, ok := e.gate.CurrentPrice()
	filled := e.fills.FilledNotional(positionID)
	if !ok {
		filled = decimal.Zero
	}
	ratio, err := e.book.MarginRatioBps(positionID, filled, price)
	if err != nil {
		return 0
	}
	return ratio
}

func (e *Engine) reject(op, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
	e.logger.Debug().Str("op", op).Str("reason", reason).Err(err).Msg("operation rejected")
	return err
}

func (e *Engine) finishOp(op string, start time.Time) {
	e.updateGauges()
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	price, _ := e.gate.CurrentPrice()
	m := e.vault.Metrics(price, e.book.TotalMargin())

	e.metrics.EngineSequence.Set(float64(e.sequence))
	e.metrics.ReserveBalance.Set(m.ReserveBalance.InexactFloat64())
	e.metrics.SyntheticSupply.Set(m.SyntheticSupply.InexactFloat64())
	e.metrics.AccruedFees.Set(m.AccruedFees.InexactFloat64())
	e.metrics.CollateralizationRatio.Set(float64(m.CollateralizationBps))
	e.metrics.OpenPositions.Set(float64(len(e.book.ActivePositionIDs())))
	e.metrics.TotalHedgerMargin.Set(e.book.TotalMargin().InexactFloat64())
	e.metrics.FillUtilization.Set(float64(e.fills.Metrics().UtilizationBps))
}

// --- delta builders ---

func (e *Engine) vaultDelta(batch *ledger.Batch) *StateDelta {
	vs := e.vault.Snapshot()
	return &StateDelta{
		Vault:    &vs,
		Fills:    e.fills.Snapshot(),
		Balances: e.affectedBalances(batch),
	}
}

func (e *Engine) positionDelta(batch *ledger.Batch, positions ...hedger.Position) *StateDelta {
	vs := e.vault.Snapshot()
	return &StateDelta{
		Vault:     &vs,
		Positions: positions,
		Fills:     e.fills.Snapshot(),
		Balances:  e.affectedBalances(batch),
	}
}

func (e *Engine) oracleDelta() *StateDelta {
	ps := e.gate.Snapshot()
	return &StateDelta{Price: &ps}
}

func (e *Engine) balanceDelta(batch *ledger.Batch) *StateDelta {
	return &StateDelta{Balances: e.affectedBalances(batch)}
}

func (e *Engine) affectedBalances(batch *ledger.Batch) map[ledger.AccountKey]decimal.Decimal {
	if batch == nil {
		return nil
	}
	out := make(map[ledger.AccountKey]decimal.Decimal)
	for _, j := range batch.Journals {
		out[j.DebitAccount] = e.balances.GetBalance(j.DebitAccount)
		out[j.CreditAccount] = e.balances.GetBalance(j.CreditAccount)
	}
	return out
}
