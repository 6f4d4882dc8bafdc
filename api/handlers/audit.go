package handlers

import (
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/audit"
	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/types"
)

// Audit exposes the audit log to operators: paged listing and on-demand
// chain verification.
type Audit struct {
	db     *gorm.DB
	writer *audit.Writer
}

// NewAudit builds the audit handler group.
func NewAudit(db *gorm.DB, writer *audit.Writer) *Audit {
	return &Audit{db: db, writer: writer}
}

// Verify handles GET /api/audit/verify. Buffered entries are flushed and
// sealed first so the verification covers everything recorded so far.
func (h *Audit) Verify(w http.ResponseWriter, r *http.Request) {
	h.writer.Flush()
	if err := h.writer.Seal(); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	res, err := audit.VerifyChain(h.db)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, res)
}

// Entries handles GET /api/audit/entries.
func (h *Audit) Entries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.ListOptions{
		ActorKind:  types.ActorKind(q.Get("actor_kind")),
		EndpointID: q.Get("endpoint_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	entries, err := audit.List(h.db, opts)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, entries)
}
