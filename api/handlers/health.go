package handlers

import (
	"net/http"
	"time"

	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/registry"
)

// Health serves the unauthenticated liveness endpoint.
type Health struct {
	version string
	reg     *registry.Registry
	started time.Time
}

// NewHealth builds the health handler.
func NewHealth(version string, reg *registry.Registry) *Health {
	return &Health{version: version, reg: reg, started: time.Now()}
}

// Check handles GET /health.
func (h *Health) Check(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          h.version,
		"uptime_secs":      int64(time.Since(h.started).Seconds()),
		"endpoints_online": len(h.reg.Online()),
	})
}
