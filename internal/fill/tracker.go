package fill

import (
	"errors"
	"fmt"

	"github.com/Quantillon-Labs/synthengine/internal/fixedpoint"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownPosition is returned for operations on a request the tracker
// does not hold.
var ErrUnknownPosition = errors.New("no fill request for position")

// Record tracks one position's requested exposure and the portion of it
// currently matched against issuance capacity. Amounts are reserve units.
type Record struct {
	PositionID uuid.UUID
	Requested  decimal.Decimal
	Filled     decimal.Decimal
}

// Adjustment reports a change in one position's filled notional after a
// reapportionment pass.
type Adjustment struct {
	PositionID uuid.UUID
	Requested  decimal.Decimal
	Before     decimal.Decimal
	After      decimal.Decimal
}

// Tracker apportions issuance capacity across hedger exposure requests
// pro-rata. Insertion order is kept so apportionment is deterministic
// across restarts given the same request history.
type Tracker struct {
	records map[uuid.UUID]*Record
	order   []uuid.UUID
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[uuid.UUID]*Record)}
}

// RegisterRequest adds a new exposure request. Filled starts at zero until
// the next reapportionment pass.
func (t *Tracker) RegisterRequest(positionID uuid.UUID, requested decimal.Decimal) error {
	if requested.Sign() <= 0 {
		return fmt.Errorf("requested notional must be positive, got %s", requested)
	}
	if _, exists := t.records[positionID]; exists {
		return fmt.Errorf("fill request already registered for position %s", positionID)
	}
	t.records[positionID] = &Record{
		PositionID: positionID,
		Requested:  requested,
		Filled:     decimal.Zero,
	}
	t.order = append(t.order, positionID)
	return nil
}

// Release removes a position's request entirely (close or liquidation).
func (t *Tracker) Release(positionID uuid.UUID) error {
	if _, ok := t.records[positionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	delete(t.records, positionID)
	for i, id := range t.order {
		if id == positionID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reapportion recomputes every record's filled notional against the given
// capacity. When total demand fits, every request fills completely;
// otherwise each fills pro-rata, rounded down at reserve precision so the
// sum never exceeds capacity. Returns one adjustment per record whose
// filled amount changed, in registration order.
func (t *Tracker) Reapportion(capacity decimal.Decimal) []Adjustment {
	if capacity.Sign() < 0 {
		capacity = decimal.Zero
	}

	total := t.TotalRequested()
	var adjustments []Adjustment
	for _, id := range t.order {
		rec := t.records[id]

		var target decimal.Decimal
		switch {
		case total.IsZero():
			target = decimal.Zero
		case total.LessThanOrEqual(capacity):
			target = rec.Requested
		default:
			share := rec.Requested.Mul(capacity).Div(total)
			target = fixedpoint.ReserveConfig.RoundDown(share)
		}

		if !target.Equal(rec.Filled) {
			adjustments = append(adjustments, Adjustment{
				PositionID: id,
				Requested:  rec.Requested,
				Before:     rec.Filled,
				After:      target,
			})
			rec.Filled = target
		}
	}
	return adjustments
}

// FilledNotional returns the currently matched notional for a position,
// zero when the tracker holds no request for it.
func (t *Tracker) FilledNotional(positionID uuid.UUID) decimal.Decimal {
	if rec, ok := t.records[positionID]; ok {
		return rec.Filled
	}
	return decimal.Zero
}

// Get returns a copy of the record for a position.
func (t *Tracker) Get(positionID uuid.UUID) (Record, bool) {
	rec, ok := t.records[positionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// TotalRequested sums all outstanding requests.
func (t *Tracker) TotalRequested() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range t.records {
		total = total.Add(rec.Requested)
	}
	return total
}

// TotalFilled sums all matched notional.
func (t *Tracker) TotalFilled() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range t.records {
		total = total.Add(rec.Filled)
	}
	return total
}

// Metrics is the read-side view of the tracker.
type Metrics struct {
	TotalRequested decimal.Decimal
	TotalFilled    decimal.Decimal
	RequestCount   int
	UtilizationBps int64
}

func (t *Tracker) Metrics() Metrics {
	requested := t.TotalRequested()
	filled := t.TotalFilled()
	m := Metrics{
		TotalRequested: requested,
		TotalFilled:    filled,
		RequestCount:   len(t.records),
	}
	if requested.Sign() > 0 {
		m.UtilizationBps = fixedpoint.RatioBps(filled, requested)
	}
	return m
}

// Snapshot returns all records in registration order for persistence.
func (t *Tracker) Snapshot() []Record {
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.records[id])
	}
	return out
}

// Restore loads persisted records on recovery, preserving their order.
func (t *Tracker) Restore(records []Record) {
	t.records = make(map[uuid.UUID]*Record, len(records))
	t.order = make([]uuid.UUID, 0, len(records))
	for i := range records {
		rec := records[i]
		t.records[rec.PositionID] = &rec
		t.order = append(t.order, rec.PositionID)
	}
}
