package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActorKind identifies who performed an audited request.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAPIKey ActorKind = "api_key"
	ActorSystem ActorKind = "system"
)

// GenesisHash is the fixed previous_hash of the first audit batch.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditLogEntry is one append-only record of a terminating request.
type AuditLogEntry struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	Method     string    `json:"method" gorm:"size:16"`
	Path       string    `json:"path" gorm:"size:512"`
	StatusCode int       `json:"status_code"`

	ActorKind ActorKind `json:"actor_kind" gorm:"size:16"`
	ActorID   string    `json:"actor_id,omitempty" gorm:"size:64"`
	ClientIP  string    `json:"client_ip,omitempty" gorm:"size:64"`

	DurationMs       int64  `json:"duration_ms"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Model            string `json:"model,omitempty" gorm:"size:255"`
	EndpointID       string `json:"endpoint_id,omitempty" gorm:"size:36;index"`

	Detail string `json:"detail,omitempty"`

	BatchID *int64 `json:"batch_id,omitempty" gorm:"index"`
}

// TableName implements the gorm table naming convention.
func (AuditLogEntry) TableName() string { return "audit_log_entries" }

// Actor renders the actor as a stable "kind:id" token for canonicalization.
func (e *AuditLogEntry) Actor() string {
	if e.ActorID == "" {
		return string(e.ActorKind)
	}
	return string(e.ActorKind) + ":" + e.ActorID
}

// CanonicalDigest returns the entry's contribution to its batch hash. The
// serialization is fixed so recomputed digests match across implementations:
//
//	method|path|status|timestamp(RFC3339Nano, UTC)|actor|sha256hex(detail)
func (e *AuditLogEntry) CanonicalDigest() string {
	detailSum := sha256.Sum256([]byte(e.Detail))
	return strings.Join([]string{
		e.Method,
		e.Path,
		strconv.Itoa(e.StatusCode),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor(),
		hex.EncodeToString(detailSum[:]),
	}, "|")
}

// AuditBatchHash is one sealed batch of the hash chain. batch_start and
// batch_end are the inclusive entry-ID range sealed into the batch.
type AuditBatchHash struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SequenceNumber int64     `json:"sequence_number" gorm:"uniqueIndex;not null"`
	BatchStart     int64     `json:"batch_start"`
	BatchEnd       int64     `json:"batch_end"`
	RecordCount    int       `json:"record_count"`
	Hash           string    `json:"hash" gorm:"size:64;not null"`
	PreviousHash   string    `json:"previous_hash" gorm:"size:64;not null"`
	SealedAt       time.Time `json:"sealed_at"`
}

// TableName implements the gorm table naming convention.
func (AuditBatchHash) TableName() string { return "audit_batch_hashes" }

// ComputeBatchHash derives the 64-hex SHA-256 hash linking a batch to its
// predecessor. Entries must be passed in entry-ID order.
func ComputeBatchHash(previousHash string, sequenceNumber, batchStart, batchEnd int64, entries []AuditLogEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d", previousHash, sequenceNumber, batchStart, batchEnd, len(entries))
	for i := range entries {
		h.Write([]byte("|"))
		h.Write([]byte(entries[i].CanonicalDigest()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
