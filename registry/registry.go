package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/detect"
	"github.com/BaSui01/llmlb/types"
)

// Detector is the dialect detection dependency of the registry.
type Detector interface {
	Detect(ctx context.Context, baseURL, apiKey string) (detect.Result, error)
}

// Registry is the endpoint inventory. All reads on the request hot path go
// through the in-memory cache; writes go to the database first and the cache
// second.
type Registry struct {
	db       *gorm.DB
	detector Detector
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*types.Endpoint

	bus eventBus
}

// New builds a registry and loads the persisted inventory into the cache.
func New(db *gorm.DB, detector Detector, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		db:       db,
		detector: detector,
		logger:   logger.With(zap.String("component", "registry")),
		cache:    make(map[string]*types.Endpoint),
	}
	var endpoints []types.Endpoint
	if err := db.Find(&endpoints).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "load endpoints").WithCause(err)
	}
	for i := range endpoints {
		ep := endpoints[i]
		r.cache[ep.ID] = &ep
	}
	r.logger.Info("endpoint inventory loaded", zap.Int("count", len(endpoints)))
	return r, nil
}

// Subscribe returns a channel of registry change events. The channel is
// buffered; events are dropped rather than blocking the registry when the
// subscriber falls behind.
func (r *Registry) Subscribe() <-chan Event {
	return r.bus.subscribe()
}

// Close shuts the event bus down.
func (r *Registry) Close() {
	r.bus.close()
}

// CreateRequest carries the fields accepted at registration time.
type CreateRequest struct {
	Name         string             `json:"name"`
	BaseURL      string             `json:"base_url"`
	APIKey       string             `json:"api_key,omitempty"`
	EndpointType types.EndpointType `json:"endpoint_type,omitempty"`

	HealthCheckIntervalSecs int `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutSecs    int `json:"inference_timeout_secs,omitempty"`

	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Notes        string             `json:"notes,omitempty"`
}

// Create registers a new endpoint. When no explicit type is given the
// dialect is detected by probing; an upstream that answers no probe at all
// is rejected. New endpoints always start in pending and are confirmed by
// the prober.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*types.Endpoint, error) {
	if req.Name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "name is required")
	}
	if err := types.ValidateBaseURL(req.BaseURL); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid base_url").WithCause(err)
	}
	if req.HealthCheckIntervalSecs < 0 || req.InferenceTimeoutSecs < 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "intervals must not be negative")
	}
	if r.nameTaken(req.Name, "") {
		return nil, types.NewError(types.ErrConflict, "an endpoint with this name already exists")
	}

	ep := &types.Endpoint{
		ID:           uuid.NewString(),
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		APIKey:       req.APIKey,
		Status:       types.StatusPending,
		Notes:        req.Notes,
		RegisteredAt: time.Now().UTC(),
	}
	ep.HealthCheckIntervalSecs = req.HealthCheckIntervalSecs
	if ep.HealthCheckIntervalSecs == 0 {
		ep.HealthCheckIntervalSecs = 30
	}
	ep.InferenceTimeoutSecs = req.InferenceTimeoutSecs
	if ep.InferenceTimeoutSecs == 0 {
		ep.InferenceTimeoutSecs = 300
	}
	ep.Capabilities = req.Capabilities
	if len(ep.Capabilities) == 0 {
		ep.Capabilities = types.DefaultCapabilities()
	}

	if req.EndpointType != "" && req.EndpointType != types.EndpointTypeUnknown {
		ep.EndpointType = req.EndpointType
		ep.TypeSource = types.TypeSourceManual
		ep.DetectReason = "type set manually at registration"
	} else {
		res, err := r.detector.Detect(ctx, req.BaseURL, req.APIKey)
		switch {
		case err == nil:
			ep.EndpointType = res.Type
			ep.TypeSource = types.TypeSourceAuto
			ep.DetectReason = res.Reason
		case types.IsErrorCode(err, types.ErrUnreachable):
			return nil, types.NewError(types.ErrUnreachable, "endpoint is unreachable").WithCause(err)
		default:
			// Reachable but no dialect matched: admit as unknown and let
			// the prober retry detection.
			ep.EndpointType = types.EndpointTypeUnknown
			ep.TypeSource = types.TypeSourceAuto
			ep.DetectReason = "no dialect matched at registration"
		}
	}

	if err := r.db.Create(ep).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "persist endpoint").WithCause(err)
	}

	r.mu.Lock()
	r.cache[ep.ID] = ep
	r.mu.Unlock()

	r.logger.Info("endpoint registered",
		zap.String("endpoint_id", ep.ID),
		zap.String("name", ep.Name),
		zap.String("endpoint_type", string(ep.EndpointType)),
	)
	r.bus.publish(Event{Kind: EventCreated, Endpoint: *ep})
	out := *ep
	return &out, nil
}

// Get returns a copy of the endpoint with the given id.
func (r *Registry) Get(id string) (*types.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.cache[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "endpoint not found")
	}
	out := *ep
	return &out, nil
}

// List returns copies of all endpoints ordered by name.
func (r *Registry) List() []types.Endpoint {
	r.mu.RLock()
	out := make([]types.Endpoint, 0, len(r.cache))
	for _, ep := range r.cache {
		out = append(out, *ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Online returns copies of all endpoints currently online, ordered by id for
// deterministic downstream selection.
func (r *Registry) Online() []types.Endpoint {
	r.mu.RLock()
	out := make([]types.Endpoint, 0, len(r.cache))
	for _, ep := range r.cache {
		if ep.Status == types.StatusOnline {
			out = append(out, *ep)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateRequest carries the mutable endpoint fields. Nil pointers leave the
// field untouched.
type UpdateRequest struct {
	Name         *string             `json:"name,omitempty"`
	BaseURL      *string             `json:"base_url,omitempty"`
	APIKey       *string             `json:"api_key,omitempty"`
	EndpointType *types.EndpointType `json:"endpoint_type,omitempty"`

	HealthCheckIntervalSecs *int `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutSecs    *int `json:"inference_timeout_secs,omitempty"`

	Capabilities *[]types.Capability `json:"capabilities,omitempty"`
	Notes        *string             `json:"notes,omitempty"`
}

// Update applies a partial update. Changing base_url or endpoint_type resets
// the health state to pending with a cleared error counter so the prober
// re-validates the endpoint from scratch.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*types.Endpoint, error) {
	r.mu.Lock()
	ep, ok := r.cache[id]
	if !ok {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrNotFound, "endpoint not found")
	}
	working := *ep
	r.mu.Unlock()

	reset := false
	if req.Name != nil && *req.Name != working.Name {
		if *req.Name == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "name must not be empty")
		}
		if r.nameTaken(*req.Name, id) {
			return nil, types.NewError(types.ErrConflict, "an endpoint with this name already exists")
		}
		working.Name = *req.Name
	}
	if req.BaseURL != nil && *req.BaseURL != working.BaseURL {
		if err := types.ValidateBaseURL(*req.BaseURL); err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "invalid base_url").WithCause(err)
		}
		working.BaseURL = *req.BaseURL
		reset = true
	}
	if req.APIKey != nil {
		working.APIKey = *req.APIKey
	}
	if req.EndpointType != nil && *req.EndpointType != working.EndpointType {
		working.EndpointType = *req.EndpointType
		working.TypeSource = types.TypeSourceManual
		working.DetectReason = "type set manually"
		reset = true
	}
	if req.HealthCheckIntervalSecs != nil {
		if *req.HealthCheckIntervalSecs <= 0 {
			return nil, types.NewError(types.ErrInvalidRequest, "health_check_interval_secs must be positive")
		}
		working.HealthCheckIntervalSecs = *req.HealthCheckIntervalSecs
	}
	if req.InferenceTimeoutSecs != nil {
		if *req.InferenceTimeoutSecs <= 0 {
			return nil, types.NewError(types.ErrInvalidRequest, "inference_timeout_secs must be positive")
		}
		working.InferenceTimeoutSecs = *req.InferenceTimeoutSecs
	}
	if req.Capabilities != nil {
		working.Capabilities = *req.Capabilities
	}
	if req.Notes != nil {
		working.Notes = *req.Notes
	}

	if reset {
		working.Status = types.StatusPending
		working.ErrorCount = 0
		working.LastError = nil
	}

	if err := r.db.Save(&working).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "persist endpoint update").WithCause(err)
	}

	r.mu.Lock()
	stored := working
	r.cache[id] = &stored
	r.mu.Unlock()

	r.logger.Info("endpoint updated",
		zap.String("endpoint_id", id),
		zap.Bool("health_reset", reset),
	)
	r.bus.publish(Event{Kind: EventUpdated, Endpoint: working})
	out := working
	return &out, nil
}

// Delete removes an endpoint and its catalog and history rows.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	ep, ok := r.cache[id]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.ErrNotFound, "endpoint not found")
	}
	snapshot := *ep
	delete(r.cache, id)
	r.mu.Unlock()

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint_id = ?", id).Delete(&types.EndpointModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("endpoint_id = ?", id).Delete(&types.EndpointHealthCheck{}).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Endpoint{}, "id = ?", id).Error
	})
	if err != nil {
		// Restore the cache entry so the inventory and the database agree.
		r.mu.Lock()
		restored := snapshot
		r.cache[id] = &restored
		r.mu.Unlock()
		return types.NewError(types.ErrInternalError, "delete endpoint").WithCause(err)
	}

	r.logger.Info("endpoint deleted", zap.String("endpoint_id", id), zap.String("name", snapshot.Name))
	r.bus.publish(Event{Kind: EventDeleted, Endpoint: snapshot})
	return nil
}

// ProbeOutcome carries the fields a health probe may change.
type ProbeOutcome struct {
	Status    types.EndpointStatus
	LatencyMs int64
	LastSeen  *time.Time
	LastError *string

	// ErrorCount is the new consecutive failure count.
	ErrorCount int

	// GPU is applied when non-nil.
	GPU *types.GPUSnapshot

	// DetectedType re-types an endpoint whose dialect was unknown.
	DetectedType   types.EndpointType
	DetectedReason string
}

// ApplyProbe records a probe outcome and emits a status_changed event when
// the lifecycle state moved. It returns the previous status.
func (r *Registry) ApplyProbe(id string, out ProbeOutcome) (types.EndpointStatus, error) {
	r.mu.Lock()
	ep, ok := r.cache[id]
	if !ok {
		r.mu.Unlock()
		return "", types.NewError(types.ErrNotFound, "endpoint not found")
	}
	prev := ep.Status
	ep.Status = out.Status
	ep.LatencyMs = out.LatencyMs
	ep.ErrorCount = out.ErrorCount
	ep.LastError = out.LastError
	if out.LastSeen != nil {
		ep.LastSeen = out.LastSeen
	}
	if out.GPU != nil {
		ep.GPU = *out.GPU
	}
	if out.DetectedType != "" {
		ep.EndpointType = out.DetectedType
		ep.TypeSource = types.TypeSourceAuto
		ep.DetectReason = out.DetectedReason
	}
	snapshot := *ep
	r.mu.Unlock()

	updates := map[string]any{
		"status":      snapshot.Status,
		"latency_ms":  snapshot.LatencyMs,
		"error_count": snapshot.ErrorCount,
		"last_error":  snapshot.LastError,
		"last_seen":   snapshot.LastSeen,
	}
	if out.GPU != nil {
		updates["gpu_device_count"] = snapshot.GPU.DeviceCount
		updates["gpu_total_memory_bytes"] = snapshot.GPU.TotalMemoryBytes
		updates["gpu_used_memory_bytes"] = snapshot.GPU.UsedMemoryBytes
		updates["gpu_capability_score"] = snapshot.GPU.CapabilityScore
		updates["gpu_active_requests"] = snapshot.GPU.ActiveRequests
	}
	if out.DetectedType != "" {
		updates["endpoint_type"] = snapshot.EndpointType
		updates["type_source"] = snapshot.TypeSource
		updates["detect_reason"] = snapshot.DetectReason
	}
	if err := r.db.Model(&types.Endpoint{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return prev, types.NewError(types.ErrInternalError, "persist probe outcome").WithCause(err)
	}

	if prev != snapshot.Status {
		r.logger.Info("endpoint status changed",
			zap.String("endpoint_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(snapshot.Status)),
		)
		r.bus.publish(Event{Kind: EventStatusChanged, Endpoint: snapshot, PreviousStatus: prev})
	}
	return prev, nil
}

func (r *Registry) nameTaken(name, excludeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ep := range r.cache {
		if id != excludeID && ep.Name == name {
			return true
		}
	}
	return false
}
