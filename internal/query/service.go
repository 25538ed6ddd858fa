package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the event log and the state
// tables the persistence worker maintains. Every response carries
// as_of_sequence so callers can reason about freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ListEvents returns event-log entries in descending sequence order,
// optionally filtered by event type, with cursor pagination.
func (s *Service) ListEvents(ctx context.Context, eventType string, limit int, beforeSequence *int64) ([]EventEntry, error) {
	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if eventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventEntry
	for rows.Next() {
		var e EventEntry
		var payload []byte
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &payload,
			&stateHash, &prevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		e.Payload = json.RawMessage(payload)
		e.AsOfSequence = asOfSeq
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetJournalHistory returns journal entries touching any of an
// account's sub-accounts, newest first, with cursor pagination.
func (s *Service) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AsOfSequence = asOfSeq
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetBalances returns all persisted balances for an account, one row
// per sub-account and asset.
func (s *Service) GetBalances(ctx context.Context, account uuid.UUID) ([]BalanceEntry, error) {
	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", account)
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM state.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, accountPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BalanceEntry
	for rows.Next() {
		var e BalanceEntry
		if err := rows.Scan(&e.AccountPath, &e.AssetID, &e.Balance); err != nil {
			return nil, err
		}
		e.AsOfSequence = asOfSeq
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks the hash chain and the per-asset zero-sum
// invariant over the persisted balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	report.LastSequence = asOfSeq

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM state.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total string
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// watermark reports the highest persisted sequence.
func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
