package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Quantillon-Labs/synthengine/internal/engine"
	"github.com/Quantillon-Labs/synthengine/internal/event"
	"github.com/Quantillon-Labs/synthengine/internal/fill"
	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/Quantillon-Labs/synthengine/internal/ledger"
	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/Quantillon-Labs/synthengine/internal/vault"
)

// restoreIdempotencyWindow is how many recent idempotency keys are
// warmed into the in-memory cache on startup. Older keys fall back to
// the database check.
const restoreIdempotencyWindow = 10000

// StateStore maintains the queryable read-model tables under the state
// schema. The persistence worker applies engine deltas here inside the
// same transaction as the event-log writes, so the read model can never
// run ahead of or behind the log.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// ApplyDelta upserts the state sections an engine step touched.
func (s *StateStore) ApplyDelta(ctx context.Context, ex execer, out engine.Output) error {
	delta := out.Delta
	if delta == nil {
		return nil
	}

	if delta.Vault != nil {
		if err := s.upsertVault(ctx, ex, delta.Vault); err != nil {
			return fmt.Errorf("upsert vault state: %w", err)
		}
	}
	if delta.Price != nil {
		if err := s.upsertPrice(ctx, ex, delta.Price); err != nil {
			return fmt.Errorf("upsert price state: %w", err)
		}
	}
	for _, pos := range delta.Positions {
		if err := s.upsertPosition(ctx, ex, pos); err != nil {
			return fmt.Errorf("upsert position %s: %w", pos.ID, err)
		}
	}
	if delta.Fills != nil {
		if err := s.replaceFills(ctx, ex, delta.Fills); err != nil {
			return fmt.Errorf("replace fill records: %w", err)
		}
	}
	for key, balance := range delta.Balances {
		if err := s.upsertBalance(ctx, ex, key, balance); err != nil {
			return fmt.Errorf("upsert balance %s: %w", key.AccountPath(), err)
		}
	}

	if partition, seq, ok := sourcePartition(out.Envelope); ok {
		if err := s.upsertPartition(ctx, ex, partition, seq); err != nil {
			return fmt.Errorf("upsert partition %s: %w", partition, err)
		}
	}
	return nil
}

// sourcePartition maps an inbound envelope to its upstream sequence
// partition. Engine-originated events carry no partition.
func sourcePartition(env *event.Envelope) (string, int64, bool) {
	switch env.EventType {
	case event.EventTypePriceFeedUpdate:
		if p, ok := env.Payload.(*event.PriceFeedUpdate); ok {
			return "price:" + p.Source, env.SourceSequence, true
		}
	case event.EventTypeReserveDepositConfirmed:
		return "deposits", env.SourceSequence, true
	case event.EventTypeReserveWithdrawalRequested,
		event.EventTypeReserveWithdrawalConfirmed,
		event.EventTypeReserveWithdrawalRejected:
		return "withdrawals", env.SourceSequence, true
	}
	return "", 0, false
}

func (s *StateStore) upsertVault(ctx context.Context, ex execer, vs *vault.State) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.vault (id, reserve_balance, synthetic_supply, accrued_fees, last_update)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			reserve_balance = EXCLUDED.reserve_balance,
			synthetic_supply = EXCLUDED.synthetic_supply,
			accrued_fees = EXCLUDED.accrued_fees,
			last_update = EXCLUDED.last_update`,
		vs.ReserveBalance.String(), vs.SyntheticSupply.String(), vs.AccruedFees.String(), vs.LastUpdate)
	return err
}

func (s *StateStore) upsertPrice(ctx context.Context, ex execer, ps *oracle.State) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.price (id, value, updated_at, sequence, min_bound, max_bound, source, circuit_broken)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			sequence = EXCLUDED.sequence,
			min_bound = EXCLUDED.min_bound,
			max_bound = EXCLUDED.max_bound,
			source = EXCLUDED.source,
			circuit_broken = EXCLUDED.circuit_broken`,
		ps.Value.String(), ps.UpdatedAt, ps.Sequence,
		ps.MinBound.String(), ps.MaxBound.String(), ps.Source, ps.CircuitBroken)
	return err
}

func (s *StateStore) upsertPosition(ctx context.Context, ex execer, pos hedger.Position) error {
	var closedAt *time.Time
	if !pos.ClosedAt.IsZero() {
		closedAt = &pos.ClosedAt
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.positions
			(position_id, owner, margin, notional, leverage, entry_price, entry_time, status, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (position_id) DO UPDATE SET
			margin = EXCLUDED.margin,
			notional = EXCLUDED.notional,
			status = EXCLUDED.status,
			closed_at = EXCLUDED.closed_at`,
		pos.ID.String(), pos.Owner.String(),
		pos.Margin.String(), pos.Notional.String(), pos.Leverage,
		pos.EntryPrice.String(), pos.EntryTime, int32(pos.Status), closedAt)
	return err
}

// replaceFills rewrites the fill table from the tracker snapshot. The
// snapshot is the whole tracker (active positions only), so a full
// replace also covers released records.
func (s *StateStore) replaceFills(ctx context.Context, ex execer, fills []fill.Record) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM state.fills`); err != nil {
		return err
	}
	for _, f := range fills {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO state.fills (position_id, requested, filled)
			VALUES ($1, $2, $3)`,
			f.PositionID.String(), f.Requested.String(), f.Filled.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) upsertBalance(ctx context.Context, ex execer, key ledger.AccountKey, balance decimal.Decimal) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.balances (account_path, asset_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path) DO UPDATE SET balance = EXCLUDED.balance`,
		key.AccountPath(), uint16(key.AssetID), balance.String())
	return err
}

func (s *StateStore) upsertPartition(ctx context.Context, ex execer, partition string, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.partitions (partition, last_sequence)
		VALUES ($1, $2)
		ON CONFLICT (partition) DO UPDATE SET last_sequence = EXCLUDED.last_sequence
		WHERE state.partitions.last_sequence < EXCLUDED.last_sequence`,
		partition, seq)
	return err
}

// LoadRestoreState assembles the engine's startup state from the state
// tables and the event log. Returns ok=false on an empty database.
func (s *StateStore) LoadRestoreState(ctx context.Context) (engine.RestoreState, bool, error) {
	var rs engine.RestoreState

	var hash, prevHash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, prev_hash
		FROM event_log.events ORDER BY sequence DESC LIMIT 1`).
		Scan(&rs.Sequence, &hash, &prevHash)
	if err == sql.ErrNoRows {
		return rs, false, nil
	}
	if err != nil {
		return rs, false, fmt.Errorf("load last event: %w", err)
	}
	rs.Sequence++ // next sequence to assign
	copy(rs.StateHash[:], hash)

	if rs.Balances, err = s.loadBalances(ctx); err != nil {
		return rs, false, err
	}
	if rs.Vault, err = s.loadVault(ctx); err != nil {
		return rs, false, err
	}
	if rs.Price, err = s.loadPrice(ctx); err != nil {
		return rs, false, err
	}
	if rs.Positions, err = s.loadPositions(ctx); err != nil {
		return rs, false, err
	}
	if rs.Fills, err = s.loadFills(ctx); err != nil {
		return rs, false, err
	}
	if rs.Partitions, err = s.loadPartitions(ctx); err != nil {
		return rs, false, err
	}
	if rs.IdempotencyKeys, err = s.loadRecentKeys(ctx); err != nil {
		return rs, false, err
	}
	return rs, true, nil
}

func (s *StateStore) loadBalances(ctx context.Context) (map[ledger.AccountKey]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_path, balance FROM state.balances`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[ledger.AccountKey]decimal.Decimal)
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("load balances: %w", err)
		}
		balance, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("balance for %s: %w", path, err)
		}
		balances[key] = balance
	}
	return balances, rows.Err()
}

func (s *StateStore) loadVault(ctx context.Context) (vault.State, error) {
	var vs vault.State
	var reserve, supply, fees string
	err := s.db.QueryRowContext(ctx, `
		SELECT reserve_balance, synthetic_supply, accrued_fees, last_update
		FROM state.vault WHERE id = 1`).
		Scan(&reserve, &supply, &fees, &vs.LastUpdate)
	if err == sql.ErrNoRows {
		return vault.State{}, nil
	}
	if err != nil {
		return vs, fmt.Errorf("load vault state: %w", err)
	}
	if vs.ReserveBalance, err = decimal.NewFromString(reserve); err != nil {
		return vs, fmt.Errorf("vault reserve: %w", err)
	}
	if vs.SyntheticSupply, err = decimal.NewFromString(supply); err != nil {
		return vs, fmt.Errorf("vault supply: %w", err)
	}
	if vs.AccruedFees, err = decimal.NewFromString(fees); err != nil {
		return vs, fmt.Errorf("vault fees: %w", err)
	}
	return vs, nil
}

func (s *StateStore) loadPrice(ctx context.Context) (oracle.State, error) {
	var ps oracle.State
	var value, minBound, maxBound string
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at, sequence, min_bound, max_bound, source, circuit_broken
		FROM state.price WHERE id = 1`).
		Scan(&value, &ps.UpdatedAt, &ps.Sequence, &minBound, &maxBound, &ps.Source, &ps.CircuitBroken)
	if err == sql.ErrNoRows {
		return oracle.State{}, nil
	}
	if err != nil {
		return ps, fmt.Errorf("load price state: %w", err)
	}
	if ps.Value, err = decimal.NewFromString(value); err != nil {
		return ps, fmt.Errorf("price value: %w", err)
	}
	if ps.MinBound, err = decimal.NewFromString(minBound); err != nil {
		return ps, fmt.Errorf("price min bound: %w", err)
	}
	if ps.MaxBound, err = decimal.NewFromString(maxBound); err != nil {
		return ps, fmt.Errorf("price max bound: %w", err)
	}
	return ps, nil
}

func (s *StateStore) loadPositions(ctx context.Context) ([]hedger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, owner, margin, notional, leverage, entry_price, entry_time, status, closed_at
		FROM state.positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var positions []hedger.Position
	for rows.Next() {
		var pos hedger.Position
		var id, owner, margin, notional, entryPrice string
		var status int32
		var closedAt *time.Time
		if err := rows.Scan(&id, &owner, &margin, &notional, &pos.Leverage,
			&entryPrice, &pos.EntryTime, &status, &closedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if pos.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("position id %q: %w", id, err)
		}
		if pos.Owner, err = uuid.Parse(owner); err != nil {
			return nil, fmt.Errorf("position owner %q: %w", owner, err)
		}
		if pos.Margin, err = decimal.NewFromString(margin); err != nil {
			return nil, fmt.Errorf("position %s margin: %w", id, err)
		}
		if pos.Notional, err = decimal.NewFromString(notional); err != nil {
			return nil, fmt.Errorf("position %s notional: %w", id, err)
		}
		if pos.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, fmt.Errorf("position %s entry price: %w", id, err)
		}
		pos.Status = hedger.Status(status)
		if closedAt != nil {
			pos.ClosedAt = *closedAt
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *StateStore) loadFills(ctx context.Context) ([]fill.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position_id, requested, filled FROM state.fills`)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	defer rows.Close()

	var fills []fill.Record
	for rows.Next() {
		var rec fill.Record
		var id, requested, filled string
		if err := rows.Scan(&id, &requested, &filled); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		if rec.PositionID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("fill position id %q: %w", id, err)
		}
		if rec.Requested, err = decimal.NewFromString(requested); err != nil {
			return nil, fmt.Errorf("fill %s requested: %w", id, err)
		}
		if rec.Filled, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("fill %s filled: %w", id, err)
		}
		fills = append(fills, rec)
	}
	return fills, rows.Err()
}

func (s *StateStore) loadPartitions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT partition, last_sequence FROM state.partitions`)
	if err != nil {
		return nil, fmt.Errorf("load partitions: %w", err)
	}
	defer rows.Close()

	partitions := make(map[string]int64)
	for rows.Next() {
		var partition string
		var seq int64
		if err := rows.Scan(&partition, &seq); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		// Strict partitions expect the next sequence; price partitions
		// track the last applied one.
		if !strings.HasPrefix(partition, "price:") {
			seq++
		}
		partitions[partition] = seq
	}
	return partitions, rows.Err()
}

// loadRecentKeys returns composite event_type:idempotency_key strings,
// the form the in-memory idempotency cache is keyed on.
func (s *StateStore) loadRecentKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key FROM event_log.events
		ORDER BY sequence DESC LIMIT $1`, restoreIdempotencyWindow)
	if err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan idempotency key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
