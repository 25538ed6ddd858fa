package engine

import (
	"fmt"

	"github.com/Quantillon-Labs/synthengine/internal/observability"
)

// SequenceValidator validates source sequences per partition. Deposit and
// withdrawal partitions are strict (gaps rejected); the price partition
// tolerates gaps and silently drops stale sequences.
// Not thread-safe; only accessed under the engine lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks strict source sequence ordering for a partition.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed; redelivery from the broker.
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.OutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence validates price feed sequences. Gaps are tolerated
// (feeds drop ticks under load); stale sequences report as skippable.
func (sv *SequenceValidator) ValidatePriceSequence(source string, priceSequence int64) (stale bool) {
	partition := fmt.Sprintf("price:%s", source)
	// The first observation from a source is never stale; 0-based feeds
	// legitimately start at sequence 0.
	expected, seen := sv.expectedNextSeq[partition]
	if seen {
		if priceSequence <= expected {
			return true
		}
		if priceSequence > expected+1 && sv.metrics != nil {
			sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
		}
	}
	sv.expectedNextSeq[partition] = priceSequence
	return false
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes a partition's expected sequence on recovery.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions returns every partition's expected sequence for persistence.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
