package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

// HealthChecker is the prober surface the management API needs.
type HealthChecker interface {
	ProbeNow(ctx context.Context, id string) (*types.EndpointHealthCheck, error)
}

// Endpoints implements the management CRUD and operations routes.
type Endpoints struct {
	reg     *registry.Registry
	cat     *catalog.Catalog
	checker HealthChecker
	db      *gorm.DB
	client  *http.Client
	logger  *zap.Logger
}

// NewEndpoints builds the endpoint management handler group.
func NewEndpoints(reg *registry.Registry, cat *catalog.Catalog, checker HealthChecker,
	db *gorm.DB, logger *zap.Logger) *Endpoints {
	return &Endpoints{
		reg:     reg,
		cat:     cat,
		checker: checker,
		db:      db,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Create handles POST /api/endpoints.
func (h *Endpoints) Create(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}
	ep, err := h.reg.Create(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusCreated, ep)
}

// List handles GET /api/endpoints with optional type, status, and capability
// filters.
func (h *Endpoints) List(w http.ResponseWriter, r *http.Request) {
	typeFilter := r.URL.Query().Get("type")
	statusFilter := r.URL.Query().Get("status")
	capFilter := r.URL.Query().Get("capability")

	out := make([]types.Endpoint, 0)
	for _, ep := range h.reg.List() {
		if typeFilter != "" && string(ep.EndpointType) != typeFilter {
			continue
		}
		if statusFilter != "" && string(ep.Status) != statusFilter {
			continue
		}
		if capFilter != "" && !ep.HasCapability(types.Capability(capFilter)) {
			continue
		}
		out = append(out, ep)
	}
	httpapi.WriteSuccess(w, http.StatusOK, out)
}

// Get handles GET /api/endpoints/{id}.
func (h *Endpoints) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.reg.Get(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, ep)
}

// Update handles PATCH /api/endpoints/{id}.
func (h *Endpoints) Update(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}
	ep, err := h.reg.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, ep)
}

// Delete handles DELETE /api/endpoints/{id}.
func (h *Endpoints) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), r.PathValue("id")); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, nil)
}

// Test handles POST /api/endpoints/{id}/test: one immediate probe.
func (h *Endpoints) Test(w http.ResponseWriter, r *http.Request) {
	rec, err := h.checker.ProbeNow(r.Context(), r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, rec)
}

// Sync handles POST /api/endpoints/{id}/sync: refresh the model catalog.
func (h *Endpoints) Sync(w http.ResponseWriter, r *http.Request) {
	ep, err := h.reg.Get(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	n, err := h.cat.Sync(r.Context(), *ep)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, map[string]any{"endpoint_id": ep.ID, "models": n})
}

type downloadRequest struct {
	Model string `json:"model"`
}

// Download handles POST /api/endpoints/{id}/download: ask an xllm endpoint
// to pull a model. Other dialects have no download API.
func (h *Endpoints) Download(w http.ResponseWriter, r *http.Request) {
	ep, err := h.reg.Get(r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if ep.EndpointType != types.EndpointTypeXLLM {
		httpapi.WriteError(w, types.NewError(types.ErrInvalidRequest,
			"model download is only supported on xllm endpoints"))
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		httpapi.WriteError(w, types.NewError(types.ErrInvalidRequest, "model is required"))
		return
	}

	payload, _ := json.Marshal(map[string]string{"model": req.Model})
	url := strings.TrimRight(ep.BaseURL, "/") + "/api/models/download"
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrInternalError, "build download request").WithCause(err))
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		upReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := h.client.Do(upReq)
	if err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamError,
			"endpoint did not accept the download request").WithCause(err).WithRetryable(true))
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamError, "read download response").WithCause(err))
		return
	}
	if resp.StatusCode >= 400 {
		h.logger.Warn("download request rejected by endpoint",
			zap.String("endpoint_id", ep.ID),
			zap.String("model", req.Model),
			zap.Int("status", resp.StatusCode),
		)
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("endpoint rejected the download request with status %d", resp.StatusCode)))
		return
	}

	var task struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	taskID := ""
	if json.Unmarshal(body, &task) == nil {
		taskID = task.TaskID
		if taskID == "" {
			taskID = task.ID
		}
	}
	if taskID == "" {
		httpapi.WriteError(w, types.NewError(types.ErrUpstreamError,
			"endpoint did not return a download task id"))
		return
	}

	h.logger.Info("model download started",
		zap.String("endpoint_id", ep.ID),
		zap.String("model", req.Model),
		zap.String("task_id", taskID),
	)
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"model":   req.Model,
		"status":  "pending",
	})
}

// HealthHistory handles GET /api/endpoints/{id}/health-history.
func (h *Endpoints) HealthHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(id); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	var history []types.EndpointHealthCheck
	err := h.db.Where("endpoint_id = ?", id).
		Order("checked_at DESC").
		Limit(limit).
		Find(&history).Error
	if err != nil {
		httpapi.WriteError(w, types.NewError(types.ErrInternalError, "load health history").WithCause(err))
		return
	}
	httpapi.WriteSuccess(w, http.StatusOK, history)
}
