package audit

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/types"
)

// VerifyResult is the outcome of a full hash chain verification.
type VerifyResult struct {
	OK       bool     `json:"ok"`
	Batches  int      `json:"batches"`
	Entries  int      `json:"entries"`
	Problems []string `json:"problems,omitempty"`

	// FirstBrokenSequence is the sequence number of the earliest batch that
	// failed verification, nil when the chain is intact.
	FirstBrokenSequence *int64 `json:"first_broken_sequence,omitempty"`
}

// VerifyChain recomputes every batch hash from the stored entries and walks
// the previous_hash linkage from the genesis hash forward. Verification is
// read-only; a tampered entry or batch row shows up as a mismatch on the
// batch that covers it and every later linkage check stays anchored to the
// stored hashes.
func VerifyChain(db *gorm.DB) (*VerifyResult, error) {
	var batches []types.AuditBatchHash
	if err := db.Order("sequence_number ASC").Find(&batches).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "load audit batches").WithCause(err)
	}

	res := &VerifyResult{OK: true, Batches: len(batches)}
	expectedPrev := types.GenesisHash
	var expectedSeq int64 = 1

	flag := func(seq int64, format string, args ...any) {
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
		if res.FirstBrokenSequence == nil {
			s := seq
			res.FirstBrokenSequence = &s
		}
		res.OK = false
	}

	for _, b := range batches {
		if b.SequenceNumber != expectedSeq {
			flag(b.SequenceNumber, "batch %d: expected sequence %d", b.SequenceNumber, expectedSeq)
		}
		expectedSeq = b.SequenceNumber + 1

		if b.PreviousHash != expectedPrev {
			flag(b.SequenceNumber, "batch %d: previous_hash does not match predecessor", b.SequenceNumber)
		}
		expectedPrev = b.Hash

		var entries []types.AuditLogEntry
		if err := db.Where("batch_id = ?", b.ID).Order("id ASC").Find(&entries).Error; err != nil {
			return nil, types.NewError(types.ErrInternalError, "load audit entries").WithCause(err)
		}
		res.Entries += len(entries)

		if len(entries) != b.RecordCount {
			flag(b.SequenceNumber, "batch %d: record_count %d but %d entries found",
				b.SequenceNumber, b.RecordCount, len(entries))
			continue
		}
		if len(entries) > 0 {
			if entries[0].ID != b.BatchStart || entries[len(entries)-1].ID != b.BatchEnd {
				flag(b.SequenceNumber, "batch %d: entry id range does not match batch bounds", b.SequenceNumber)
			}
		}

		recomputed := types.ComputeBatchHash(b.PreviousHash, b.SequenceNumber, b.BatchStart, b.BatchEnd, entries)
		if recomputed != b.Hash {
			flag(b.SequenceNumber, "batch %d: hash mismatch", b.SequenceNumber)
		}
	}

	return res, nil
}
