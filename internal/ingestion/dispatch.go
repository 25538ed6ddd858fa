package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Quantillon-Labs/synthengine/internal/engine"
	"github.com/Quantillon-Labs/synthengine/internal/event"
)

// Dispatcher drains the raw event channel, parses each message and
// hands the typed event to the engine. A message is ACKed only after
// the engine has accepted or deliberately rejected it; parse failures
// ACK too, because redelivering a malformed payload can never succeed.
type Dispatcher struct {
	eng       *engine.Engine
	eventChan <-chan RawEvent
	logger    zerolog.Logger
}

func NewDispatcher(eng *engine.Engine, eventChan <-chan RawEvent, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		eng:       eng,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Run processes raw events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.eventChan:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawEvent) {
	eventType, err := ResolveEventType(raw.Subject)
	if err != nil {
		d.logger.Error().Str("subject", raw.Subject).Msg("unroutable subject")
		raw.AckFunc()
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("parse failed, dropping")
		raw.AckFunc()
		return
	}

	if err := d.apply(evt); err != nil {
		// Rejections are final decisions by the engine (out of order,
		// out of bounds, insufficient balance); redelivery would only
		// repeat them.
		d.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected")
	}
	raw.AckFunc()
}

func (d *Dispatcher) apply(evt event.Event) error {
	switch e := evt.(type) {
	case *event.PriceFeedUpdate:
		return d.eng.ApplyPriceUpdate(e)
	case *event.ReserveDepositConfirmed:
		return d.eng.ApplyDepositConfirmed(e)
	case *event.ReserveWithdrawalRequested:
		return d.eng.ApplyWithdrawalRequested(e)
	case *event.ReserveWithdrawalConfirmed:
		return d.eng.ApplyWithdrawalConfirmed(e)
	case *event.ReserveWithdrawalRejected:
		return d.eng.ApplyWithdrawalRejected(e)
	default:
		return fmt.Errorf("no engine route for %T", evt)
	}
}

// ResolveEventType maps a NATS subject to its event type by prefix.
func ResolveEventType(subject string) (string, error) {
	switch {
	case strings.HasPrefix(subject, "synth.prices."):
		return "PriceFeedUpdate", nil
	case strings.HasPrefix(subject, "synth.deposits.confirmed."):
		return "ReserveDepositConfirmed", nil
	case strings.HasPrefix(subject, "synth.withdrawals.requested."):
		return "ReserveWithdrawalRequested", nil
	case strings.HasPrefix(subject, "synth.withdrawals.confirmed."):
		return "ReserveWithdrawalConfirmed", nil
	case strings.HasPrefix(subject, "synth.withdrawals.rejected."):
		return "ReserveWithdrawalRejected", nil
	default:
		return "", fmt.Errorf("no event type for subject %s", subject)
	}
}
