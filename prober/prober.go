package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/config"
	"github.com/BaSui01/llmlb/detect"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

const (
	tickInterval  = time.Second
	purgeInterval = 10 * time.Minute
	maxHealthBody = 1 << 20
	maxErrorLen   = 512
)

// Prober runs health checks against every registered endpoint.
type Prober struct {
	reg      *registry.Registry
	db       *gorm.DB
	detector registry.Detector
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      config.HealthConfig
	client   *http.Client

	mu       sync.Mutex
	nextDue  map[string]time.Time
	inflight map[string]bool

	kick chan string
}

// New builds a prober. Probes start when Run is called.
func New(reg *registry.Registry, db *gorm.DB, detector registry.Detector,
	collector *metrics.Collector, cfg config.HealthConfig, logger *zap.Logger) *Prober {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.SweepParallelism <= 0 {
		cfg.SweepParallelism = 8
	}
	return &Prober{
		reg:      reg,
		db:       db,
		detector: detector,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "prober")),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		nextDue:  make(map[string]time.Time),
		inflight: make(map[string]bool),
		kick:     make(chan string, 64),
	}
}

// Run probes every endpoint once at startup, then schedules per-endpoint
// probes off a shared one-second tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	events := p.reg.Subscribe()

	p.sweep(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.SweepParallelism + 1)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return nil
		case <-tick.C:
			now := time.Now()
			for _, ep := range p.reg.List() {
				if p.claim(ep.ID, now) {
					id := ep.ID
					if !g.TryGo(func() error { p.probe(gctx, id); return nil }) {
						p.release(id)
					}
				}
			}
		case id := <-p.kick:
			if p.claim(id, time.Now().Add(365*24*time.Hour)) {
				if !g.TryGo(func() error { p.probe(gctx, id); return nil }) {
					p.release(id)
				}
			}
		case ev, ok := <-events:
			if !ok {
				g.Wait()
				return nil
			}
			switch ev.Kind {
			case registry.EventCreated, registry.EventUpdated:
				p.Kick(ev.Endpoint.ID)
			case registry.EventDeleted:
				p.forget(ev.Endpoint.ID)
			}
		case <-purge.C:
			p.purgeHistory(ctx)
		}
	}
}

// Kick requests an immediate probe of the given endpoint.
func (p *Prober) Kick(id string) {
	select {
	case p.kick <- id:
	default:
	}
}

// ProbeNow probes the endpoint synchronously and returns the recorded
// outcome. Used by the on-demand test operation.
func (p *Prober) ProbeNow(ctx context.Context, id string) (*types.EndpointHealthCheck, error) {
	if _, err := p.reg.Get(id); err != nil {
		return nil, err
	}
	if !p.claimForce(id) {
		return nil, types.NewError(types.ErrConflict, "a probe is already in flight for this endpoint")
	}
	return p.probe(ctx, id), nil
}

// sweep probes every endpoint with bounded parallelism. Used at startup so
// the dispatcher starts with fresh statuses.
func (p *Prober) sweep(ctx context.Context) {
	eps := p.reg.List()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.SweepParallelism)
	for _, ep := range eps {
		if !p.claimForce(ep.ID) {
			continue
		}
		id := ep.ID
		g.Go(func() error {
			p.probe(gctx, id)
			return nil
		})
	}
	g.Wait()
	p.logger.Info("startup sweep complete", zap.Int("endpoints", len(eps)))
}

// claim marks an endpoint as being probed when it is due at now.
func (p *Prober) claim(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	if due, ok := p.nextDue[id]; ok && now.Before(due) {
		return false
	}
	p.inflight[id] = true
	return true
}

// claimForce marks an endpoint as being probed regardless of its schedule.
func (p *Prober) claimForce(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Prober) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Prober) forget(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	delete(p.nextDue, id)
	p.mu.Unlock()
}

// probe runs one full probe cycle: check, transition, history, reschedule.
func (p *Prober) probe(ctx context.Context, id string) *types.EndpointHealthCheck {
	ep, err := p.reg.Get(id)
	if err != nil {
		p.forget(id)
		return nil
	}
	defer func() {
		p.mu.Lock()
		delete(p.inflight, id)
		p.nextDue[id] = time.Now().Add(ep.HealthCheckInterval())
		p.mu.Unlock()
	}()

	now := time.Now().UTC()
	gpu, latency, checkErr := p.check(ctx, ep)

	rec := &types.EndpointHealthCheck{
		EndpointID:   id,
		CheckedAt:    now,
		StatusBefore: ep.Status,
	}
	var out registry.ProbeOutcome
	if checkErr == nil {
		lm := latency.Milliseconds()
		rec.Success = true
		rec.LatencyMs = &lm
		out = registry.ProbeOutcome{
			Status:    types.StatusOnline,
			LatencyMs: lm,
			LastSeen:  &now,
			GPU:       gpu,
		}
		if ep.EndpointType == types.EndpointTypeUnknown && ep.TypeSource == types.TypeSourceAuto {
			if res, derr := p.detector.Detect(ctx, ep.BaseURL, ep.APIKey); derr == nil {
				out.DetectedType = res.Type
				out.DetectedReason = res.Reason
				p.logger.Info("endpoint dialect detected by prober",
					zap.String("endpoint_id", id),
					zap.String("endpoint_type", string(res.Type)),
				)
			}
		}
	} else {
		msg := truncate(checkErr.Error(), maxErrorLen)
		count := ep.ErrorCount + 1
		rec.ErrorMessage = &msg
		out = registry.ProbeOutcome{
			Status:     failureTransition(ep.Status, count),
			LatencyMs:  ep.LatencyMs,
			LastSeen:   ep.LastSeen,
			LastError:  &msg,
			ErrorCount: count,
		}
	}
	rec.StatusAfter = out.Status

	if _, err := p.reg.ApplyProbe(id, out); err != nil {
		p.logger.Warn("apply probe outcome failed", zap.String("endpoint_id", id), zap.Error(err))
		return rec
	}
	if err := p.db.Create(rec).Error; err != nil {
		p.logger.Warn("append probe history failed", zap.String("endpoint_id", id), zap.Error(err))
	}

	p.metrics.RecordProbe(id, checkErr == nil, latency)
	p.metrics.SetEndpointsOnline(len(p.reg.Online()))
	return rec
}

// check performs the HTTP health check: the dialect's native health path
// first, falling back to its model listing path.
func (p *Prober) check(ctx context.Context, ep *types.Endpoint) (*types.GPUSnapshot, time.Duration, error) {
	dialect := detect.DialectFor(ep.EndpointType)
	if dialect.HealthPath != "" {
		gpu, latency, err := p.fetch(ctx, ep, dialect.HealthPath, true)
		if err == nil {
			return gpu, latency, nil
		}
	}
	_, latency, err := p.fetch(ctx, ep, dialect.ModelsPath, false)
	return nil, latency, err
}

func (p *Prober) fetch(ctx context.Context, ep *types.Endpoint, path string, parseGPU bool) (*types.GPUSnapshot, time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	url := strings.TrimRight(ep.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return nil, latency, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, latency, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if !parseGPU {
		return nil, latency, nil
	}
	var payload struct {
		GPU *types.GPUSnapshot `json:"gpu"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.GPU != nil {
		return payload.GPU, latency, nil
	}
	return nil, latency, nil
}

// purgeHistory trims probe history rows past the retention window.
func (p *Prober) purgeHistory(ctx context.Context) {
	if p.cfg.HistoryRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.HistoryRetention)
	res := p.db.WithContext(ctx).
		Where("checked_at < ?", cutoff).
		Delete(&types.EndpointHealthCheck{})
	if res.Error != nil {
		p.logger.Warn("purge probe history failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		p.logger.Info("probe history purged", zap.Int64("rows", res.RowsAffected))
	}
}

// failureTransition maps a failed probe onto the next lifecycle state given
// the previous state and the new consecutive failure count.
func failureTransition(prev types.EndpointStatus, newCount int) types.EndpointStatus {
	switch prev {
	case types.StatusPending:
		return types.StatusOffline
	case types.StatusOnline, types.StatusError:
		if newCount >= 2 {
			return types.StatusOffline
		}
		return types.StatusError
	default:
		return types.StatusOffline
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
