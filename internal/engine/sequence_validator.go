package engine

import (
	"fmt"

	"github.com/google/uuid"

	"crossmargin/internal/errs"
)

// SequenceValidator validates source sequences per partition. Ordinary
// instructions must arrive gap-free and in order; oracle price posts
// tolerate gaps because a missed tick is superseded by the next one.
// Not thread-safe; only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks strict source-sequence ordering for a
// partition. A stale sequence on a known duplicate is fine; on a new
// request it means out-of-order delivery.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return errs.Newf(errs.CodeInvalidState, "out-of-order request: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return errs.Newf(errs.CodeInvalidState, "sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateOracleSequence validates oracle price posts: stale posts are
// silently ignored, gaps are accepted.
func (sv *SequenceValidator) ValidateOracleSequence(oracle uuid.UUID, priceSequence int64) (stale bool) {
	partition := fmt.Sprintf("oracle:%s", oracle)
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return true
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return false
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes the expected sequence during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns the validator state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
