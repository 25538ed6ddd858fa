package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/Quantillon-Labs/synthengine/internal/engine"
)

// OutboundPublisher publishes engine outputs to NATS for downstream
// consumers. Subjects follow the pattern synth.engine.events.{event_type}.
// Publishing is best-effort: the event log in Postgres is the source of
// truth, so a failed publish is logged and skipped.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	logger    zerolog.Logger
}

// publishableEvent is the outbound wire format.
type publishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run drains the publish channel until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	evt := publishableEvent{
		Sequence:       out.Envelope.Sequence,
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		Payload:        out.Envelope.Payload,
		StateHash:      out.Envelope.StateHash[:],
		Timestamp:      out.Envelope.Timestamp,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("synth.engine.events.%s", evt.EventType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SYNTH_ENGINE_EVENTS",
		Subjects:  []string{"synth.engine.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "SYNTH_ENGINE_EVENTS").Msg("ensured outbound stream")
	return nil
}
