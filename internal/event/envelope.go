package event

import (
	"time"
)

// EventType discriminator for everything that enters the event log.
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Inbound (versioned external inputs)
	EventTypePriceFeedUpdate
	EventTypeReserveDepositConfirmed
	EventTypeReserveWithdrawalRequested
	EventTypeReserveWithdrawalConfirmed
	EventTypeReserveWithdrawalRejected

	// Engine operations
	EventTypeSyntheticMinted
	EventTypeSyntheticRedeemed
	EventTypeFeesCollected
	EventTypePositionOpened
	EventTypeMarginAdded
	EventTypeMarginRemoved
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeFillAdjusted

	// Oracle administration
	EventTypePriceBoundsUpdated
	EventTypePriceSourceUpdated
	EventTypeCircuitBreakerTripped
	EventTypeCircuitBreakerReset
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp for inbound events, engine clock for
	// operations
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 for engine operations)
	SourceSequence int64

	// JSON-encodable event-specific payload
	Payload any

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceFeedUpdate:
		return "PriceFeedUpdate"
	case EventTypeReserveDepositConfirmed:
		return "ReserveDepositConfirmed"
	case EventTypeReserveWithdrawalRequested:
		return "ReserveWithdrawalRequested"
	case EventTypeReserveWithdrawalConfirmed:
		return "ReserveWithdrawalConfirmed"
	case EventTypeReserveWithdrawalRejected:
		return "ReserveWithdrawalRejected"
	case EventTypeSyntheticMinted:
		return "SyntheticMinted"
	case EventTypeSyntheticRedeemed:
		return "SyntheticRedeemed"
	case EventTypeFeesCollected:
		return "FeesCollected"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypeMarginAdded:
		return "MarginAdded"
	case EventTypeMarginRemoved:
		return "MarginRemoved"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeFillAdjusted:
		return "FillAdjusted"
	case EventTypePriceBoundsUpdated:
		return "PriceBoundsUpdated"
	case EventTypePriceSourceUpdated:
		return "PriceSourceUpdated"
	case EventTypeCircuitBreakerTripped:
		return "CircuitBreakerTripped"
	case EventTypeCircuitBreakerReset:
		return "CircuitBreakerReset"
	default:
		return "Unknown"
	}
}
