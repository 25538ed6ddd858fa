package query

import "time"

// EventEntry is one event-log row for API queries. Hashes are hex
// encoded; the payload passes through as raw JSON.
type EventEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        any       `json:"payload"`
	StateHash      string    `json:"state_hash"`
	PrevHash       string    `json:"prev_hash"`
	Timestamp      time.Time `json:"timestamp"`
	SourceSequence int64     `json:"source_sequence"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry is one double-entry journal row for API queries.
// Amounts are decimal strings.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// BalanceEntry is one account balance from the read model.
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
