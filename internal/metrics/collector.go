package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the prometheus instruments for the load balancer.
type Collector struct {
	// HTTP front door
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Dispatch
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	activeRequests   *prometheus.GaugeVec
	modelExclusions  prometheus.Gauge

	// Admission queue
	queueDepth    prometheus.Gauge
	queueWait     prometheus.Histogram
	queueRejected prometheus.Counter
	queueTimedOut prometheus.Counter

	// Prober
	probesTotal  *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec
	endpointsUp  prometheus.Gauge

	// Audit
	auditBuffered prometheus.Gauge
	auditDropped  prometheus.Counter
	auditFlushed  prometheus.Counter
	auditBatches  prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the llmlb instruments under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Total number of dispatched upstream requests",
		},
		[]string{"endpoint", "model", "status"},
	)

	c.dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint", "model"},
	)

	c.activeRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_active_requests",
			Help:      "In-flight requests per endpoint",
		},
		[]string{"endpoint"},
	)

	c.modelExclusions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_exclusions",
			Help:      "Currently excluded (endpoint, model) pairs",
		},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the admission queue",
		},
	)

	c.queueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting in the admission queue",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	c.queueRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Requests rejected because the admission queue was full",
		},
	)

	c.queueTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_timeout_total",
			Help:      "Requests that timed out waiting in the admission queue",
		},
	)

	c.probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Total number of health probes",
		},
		[]string{"endpoint", "result"},
	)

	c.probeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Health probe round-trip time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint"},
	)

	c.endpointsUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_online",
			Help:      "Number of endpoints currently online",
		},
	)

	c.auditBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_buffered_entries",
			Help:      "Audit entries currently buffered",
		},
	)

	c.auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped by the drop-oldest buffer",
		},
	)

	c.auditFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_flushed_total",
			Help:      "Audit entries written to the store",
		},
	)

	c.auditBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_batches_sealed_total",
			Help:      "Audit batches sealed into the hash chain",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one front-door request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one upstream request outcome.
func (c *Collector) RecordDispatch(endpoint, model, status string, duration time.Duration) {
	c.dispatchTotal.WithLabelValues(endpoint, model, status).Inc()
	c.dispatchDuration.WithLabelValues(endpoint, model).Observe(duration.Seconds())
}

// SetActiveRequests updates the in-flight gauge for an endpoint.
func (c *Collector) SetActiveRequests(endpoint string, n int) {
	c.activeRequests.WithLabelValues(endpoint).Set(float64(n))
}

// SetModelExclusions updates the exclusion-set size gauge.
func (c *Collector) SetModelExclusions(n int) {
	c.modelExclusions.Set(float64(n))
}

// SetQueueDepth updates the admission queue depth gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// RecordQueueWait records the time a request spent queued.
func (c *Collector) RecordQueueWait(d time.Duration) {
	c.queueWait.Observe(d.Seconds())
}

// RecordQueueRejected counts a 429 rejection.
func (c *Collector) RecordQueueRejected() { c.queueRejected.Inc() }

// RecordQueueTimeout counts a 504 queue-wait timeout.
func (c *Collector) RecordQueueTimeout() { c.queueTimedOut.Inc() }

// RecordProbe records one health probe outcome.
func (c *Collector) RecordProbe(endpoint string, success bool, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
		c.probeLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
	}
	c.probesTotal.WithLabelValues(endpoint, result).Inc()
}

// SetEndpointsOnline updates the online endpoint count gauge.
func (c *Collector) SetEndpointsOnline(n int) {
	c.endpointsUp.Set(float64(n))
}

// SetAuditBuffered updates the audit buffer depth gauge.
func (c *Collector) SetAuditBuffered(n int) {
	c.auditBuffered.Set(float64(n))
}

// RecordAuditDropped counts dropped audit entries.
func (c *Collector) RecordAuditDropped() { c.auditDropped.Inc() }

// RecordAuditFlushed counts flushed audit entries.
func (c *Collector) RecordAuditFlushed(n int) { c.auditFlushed.Add(float64(n)) }

// RecordAuditBatchSealed counts sealed batches.
func (c *Collector) RecordAuditBatchSealed() { c.auditBatches.Inc() }

// statusClass collapses an HTTP status into its class to bound cardinality.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
