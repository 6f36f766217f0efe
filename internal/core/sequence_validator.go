package core

import (
	"fmt"
)

// Sequence partitions. Account operations share one strictly ordered
// partition; price updates tolerate gaps in their own.
const (
	PartitionOperations = "operations"
	PartitionPrice      = "price"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence rejects stale and out-of-order operations. Forward
// gaps are recorded but accepted: terminal rejections consume source
// sequences without leaving a log entry, so contiguity cannot be
// assumed across restarts.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already processed — expected
			return nil
		}
		// Out-of-order delivery of a NEW operation
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order operation: partition=%s, expected>=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		sv.metrics.RecordGap(partition)
	}

	return nil
}

// Advance moves the partition cursor past a consumed sequence. Called
// after the operation is either committed or terminally rejected, so a
// redelivered copy of a transient failure revalidates from the same spot.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// ValidatePriceSequence validates price updates. Gaps are tolerated;
// stale sequences report false and are skipped by the caller.
func (sv *SequenceValidator) ValidatePriceSequence(priceSequence int64) bool {
	expected := sv.expectedNextSeq[PartitionPrice]

	if priceSequence <= expected {
		// Stale — skip silently
		return false
	}

	if priceSequence > expected+1 {
		// Gap — tolerable for prices, record and accept
		sv.metrics.RecordPriceGap()
	}

	sv.expectedNextSeq[PartitionPrice] = priceSequence

	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes a partition cursor (snapshot restore only)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition cursor
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap() {
	m.priceGaps++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps() int64 {
	return m.priceGaps
}
