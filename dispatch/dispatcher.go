package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmlb/audit"
	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/config"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

// recheckInterval bounds how long a queued request waits before re-running
// selection even without a release signal, so endpoints brought online by
// the prober are picked up promptly.
const recheckInterval = 250 * time.Millisecond

// Dispatcher is the request router.
type Dispatcher struct {
	reg     *registry.Registry
	cat     *catalog.Catalog
	auditor *audit.Writer
	metrics *metrics.Collector
	logger  *zap.Logger
	qcfg    config.QueueConfig

	// client carries no global timeout; per-request deadlines come from each
	// endpoint's inference timeout.
	client *http.Client

	mu       sync.Mutex
	active   map[string]int
	excluded map[string]map[string]struct{}
	waiters  []chan struct{}
}

// New builds a dispatcher.
func New(reg *registry.Registry, cat *catalog.Catalog, auditor *audit.Writer,
	collector *metrics.Collector, qcfg config.QueueConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		cat:      cat,
		auditor:  auditor,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "dispatch")),
		qcfg:     qcfg,
		client:   &http.Client{},
		active:   make(map[string]int),
		excluded: make(map[string]map[string]struct{}),
	}
}

// Run consumes registry events and catalog resync notifications until ctx is
// done. Exclusions clear when an endpoint is updated or deleted, and when its
// catalog resync completes; a bare online transition does not clear them, so
// a recovered endpoint is never selectable with a stale model list.
func (d *Dispatcher) Run(ctx context.Context, events <-chan registry.Event, resyncs <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == registry.EventUpdated || ev.Kind == registry.EventDeleted {
				d.clearExclusions(ev.Endpoint.ID)
			}
		case id, ok := <-resyncs:
			if !ok {
				return
			}
			d.clearExclusions(id)
		}
	}
}

// capacity is the concurrency proxy for one endpoint: one in-flight request
// per GPU device, and one for endpoints that report no GPU telemetry. Local
// single-model servers saturate at one concurrent inference.
func capacity(ep *types.Endpoint) int {
	if ep.GPU.DeviceCount > 1 {
		return ep.GPU.DeviceCount
	}
	return 1
}

// Exclude records that the endpoint failed serving the model. Subsequent
// selections skip the pair until the exclusion clears.
func (d *Dispatcher) Exclude(endpointID, modelID string) {
	d.mu.Lock()
	set, ok := d.excluded[endpointID]
	if !ok {
		set = make(map[string]struct{})
		d.excluded[endpointID] = set
	}
	set[modelID] = struct{}{}
	n := d.exclusionCountLocked()
	d.mu.Unlock()

	d.logger.Warn("model excluded on endpoint",
		zap.String("endpoint_id", endpointID),
		zap.String("model", modelID),
	)
	d.metrics.SetModelExclusions(n)
}

// Excluded reports whether the (endpoint, model) pair is excluded.
func (d *Dispatcher) Excluded(endpointID, modelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.excluded[endpointID][modelID]
	return ok
}

func (d *Dispatcher) clearExclusions(endpointID string) {
	d.mu.Lock()
	if _, ok := d.excluded[endpointID]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.excluded, endpointID)
	n := d.exclusionCountLocked()
	d.mu.Unlock()
	d.logger.Info("model exclusions cleared", zap.String("endpoint_id", endpointID))
	d.metrics.SetModelExclusions(n)
}

func (d *Dispatcher) exclusionCountLocked() int {
	n := 0
	for _, set := range d.excluded {
		n += len(set)
	}
	return n
}

// ActiveRequests returns the in-flight count for an endpoint.
func (d *Dispatcher) ActiveRequests(endpointID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[endpointID]
}

// admission is the result of acquiring an endpoint slot.
type admission struct {
	endpoint *types.Endpoint
	waited   time.Duration
	queued   bool
}

// tryAdmit runs one selection pass. It returns a nil admission with a nil
// error when every candidate is saturated and queueing should be attempted.
func (d *Dispatcher) tryAdmit(model string, capability types.Capability) (*admission, error) {
	// Unknown model is 404; a known model with no eligible endpoint is 503.
	// Membership is decided before any capability or exclusion filtering.
	if !d.cat.Known(model) {
		return nil, types.NewError(types.ErrModelNotFound, "model not found: "+model)
	}

	online := d.reg.Online()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Online() is id-ordered, so equal load and latency fall back to the
	// lowest id deterministically.
	var best *types.Endpoint
	bestActive := 0
	for i := range online {
		ep := &online[i]
		if !ep.HasCapability(capability) || !d.cat.Has(ep.ID, model) {
			continue
		}
		if _, excluded := d.excluded[ep.ID][model]; excluded {
			continue
		}
		act := d.active[ep.ID]
		if best == nil ||
			act < bestActive ||
			(act == bestActive && ep.LatencyMs < best.LatencyMs) {
			best = ep
			bestActive = act
		}
	}
	if best == nil {
		return nil, types.NewError(types.ErrNoCapableNodes, "no capable endpoint is available for this model")
	}
	if bestActive >= capacity(best) {
		return nil, nil
	}

	d.active[best.ID]++
	d.metrics.SetActiveRequests(best.ID, d.active[best.ID])
	ep := *best
	return &admission{endpoint: &ep}, nil
}

// acquire selects an endpoint for the model, queueing when every candidate
// is at capacity. The returned release function must be called exactly once
// when the request finishes, regardless of outcome.
func (d *Dispatcher) acquire(ctx context.Context, model string, capability types.Capability) (*admission, func(), error) {
	adm, err := d.tryAdmit(model, capability)
	if err != nil {
		return nil, nil, err
	}
	if adm != nil {
		return adm, d.releaseFunc(adm.endpoint.ID), nil
	}

	// Saturated: join the queue.
	d.mu.Lock()
	if d.qcfg.Max <= 0 || len(d.waiters) >= d.qcfg.Max {
		d.mu.Unlock()
		d.metrics.RecordQueueRejected()
		return nil, nil, types.NewError(types.ErrQueueFull, "Request queue is full").WithRetryable(true)
	}
	wake := make(chan struct{}, 1)
	d.waiters = append(d.waiters, wake)
	d.metrics.SetQueueDepth(len(d.waiters))
	d.mu.Unlock()

	defer d.leaveQueue(wake)

	start := time.Now()
	timeout := time.NewTimer(d.qcfg.Timeout)
	defer timeout.Stop()
	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, types.NewError(types.ErrInvalidRequest, "client closed the request").
				WithCause(ctx.Err()).WithHTTPStatus(499)
		case <-timeout.C:
			d.metrics.RecordQueueTimeout()
			return nil, nil, types.NewError(types.ErrQueueTimeout, "timed out waiting for an available endpoint")
		case <-wake:
		case <-recheck.C:
		}

		adm, err := d.tryAdmit(model, capability)
		if err != nil {
			return nil, nil, err
		}
		if adm != nil {
			adm.queued = true
			adm.waited = time.Since(start)
			d.metrics.RecordQueueWait(adm.waited)
			return adm, d.releaseFunc(adm.endpoint.ID), nil
		}
	}
}

func (d *Dispatcher) leaveQueue(wake chan struct{}) {
	d.mu.Lock()
	for i, ch := range d.waiters {
		if ch == wake {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			break
		}
	}
	d.metrics.SetQueueDepth(len(d.waiters))
	d.mu.Unlock()
}

// releaseFunc returns the completion callback for one admitted request. It
// decrements the endpoint's in-flight count and wakes the head of the queue.
func (d *Dispatcher) releaseFunc(endpointID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.active[endpointID] > 0 {
				d.active[endpointID]--
			}
			n := d.active[endpointID]
			if n == 0 {
				delete(d.active, endpointID)
			}
			if len(d.waiters) > 0 {
				select {
				case d.waiters[0] <- struct{}{}:
				default:
				}
			}
			d.mu.Unlock()
			d.metrics.SetActiveRequests(endpointID, n)
		})
	}
}
