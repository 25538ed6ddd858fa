package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Quantillon-Labs/synthengine/internal/event"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. Amounts
// travel as decimal strings; upstream producers use snake_case fields.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PriceFeedUpdate":
		return parsePriceFeedUpdate(raw.Data)
	case "ReserveDepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "ReserveWithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "ReserveWithdrawalConfirmed":
		return parseWithdrawalConfirmed(raw.Data)
	case "ReserveWithdrawalRejected":
		return parseWithdrawalRejected(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

type priceFeedJSON struct {
	Source      string `json:"source"`
	Value       string `json:"value"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceFeedUpdate(data []byte) (*event.PriceFeedUpdate, error) {
	var j priceFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceFeedUpdate: %w", err)
	}
	if j.Source == "" {
		return nil, fmt.Errorf("parse PriceFeedUpdate: empty source")
	}
	value, err := decimal.NewFromString(j.Value)
	if err != nil {
		return nil, fmt.Errorf("parse price value: %w", err)
	}
	return &event.PriceFeedUpdate{
		Source:      j.Source,
		Value:       value,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.ReserveDepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveDepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	amount, err := decimal.NewFromString(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &event.ReserveDepositConfirmed{
		DepositID: depositID,
		Account:   account,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Account      string `json:"account"`
	Amount       string `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
	Reason       string `json:"reason,omitempty"`
}

func (j withdrawalJSON) parse() (uuid.UUID, uuid.UUID, decimal.Decimal, error) {
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return uuid.Nil, uuid.Nil, decimal.Zero, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return uuid.Nil, uuid.Nil, decimal.Zero, fmt.Errorf("parse account: %w", err)
	}
	amount, err := decimal.NewFromString(j.Amount)
	if err != nil {
		return uuid.Nil, uuid.Nil, decimal.Zero, fmt.Errorf("parse amount: %w", err)
	}
	return wdID, account, amount, nil
}

func parseWithdrawalRequested(data []byte) (*event.ReserveWithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveWithdrawalRequested: %w", err)
	}
	wdID, account, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.ReserveWithdrawalRequested{
		WithdrawalID: wdID,
		Account:      account,
		Amount:       amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalConfirmed(data []byte) (*event.ReserveWithdrawalConfirmed, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveWithdrawalConfirmed: %w", err)
	}
	wdID, account, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.ReserveWithdrawalConfirmed{
		WithdrawalID: wdID,
		Account:      account,
		Amount:       amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalRejected(data []byte) (*event.ReserveWithdrawalRejected, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveWithdrawalRejected: %w", err)
	}
	wdID, account, amount, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.ReserveWithdrawalRejected{
		WithdrawalID: wdID,
		Account:      account,
		Amount:       amount,
		Reason:       j.Reason,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}
