package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/openfroyo/plugind/pkg/cache"
	"github.com/openfroyo/plugind/pkg/engine"
	"github.com/openfroyo/plugind/pkg/pool"
	"github.com/openfroyo/plugind/pkg/quota"
)

// Execution statuses used as metric labels.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusCacheHit = "cache_hit"
	StatusRejected = "rejected"
)

var (
	_ cache.Recorder = (*Metrics)(nil)
	_ quota.Recorder = (*Metrics)(nil)
	_ pool.Observer  = (*Metrics)(nil)
)

// Metrics collects Prometheus metrics for the execution engine. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionMemory   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	retries           *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Cache metrics
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge

	// Pool metrics
	poolWorkers    *prometheus.GaugeVec
	poolQueueDepth prometheus.Gauge
	poolEvents     *prometheus.CounterVec

	// Quota and breaker metrics
	quotaRejections    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	registry *prometheus.Registry

	// Last cumulative pool counters, for turning pool stats into deltas.
	poolMu   sync.Mutex
	lastPool pool.Stats
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of execution requests by outcome",
			},
			[]string{"plugin_id", "action", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Time spent on a request inside the engine in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin_id", "action", "status"},
		),
		executionMemory: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_memory_bytes",
				Help:      "Peak memory reported by the sandbox per execution",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
			[]string{"plugin_id"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_flight",
				Help:      "Current number of requests being processed",
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_retries_total",
				Help:      "Total number of retried execution attempts",
			},
			[]string{"plugin_id", "error_kind"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed requests by error kind",
			},
			[]string{"error_kind", "class"},
		),

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of result cache hits",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of result cache misses",
			},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of result cache evictions by reason",
			},
			[]string{"reason"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Current number of cached results",
			},
		),

		poolWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "workers",
				Help:      "Current number of workers by state",
			},
			[]string{"state"},
		),
		poolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "queue_depth",
				Help:      "Current number of queued tasks",
			},
		),
		poolEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "events_total",
				Help:      "Total number of worker lifecycle events",
			},
			[]string{"event"},
		),

		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "rejections_total",
				Help:      "Total number of quota rejections",
			},
			[]string{"tier", "reason"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"plugin_id", "to"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Current breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"plugin_id"},
		),
	}

	registry.MustRegister(
		m.executions,
		m.executionDuration,
		m.executionMemory,
		m.inFlight,
		m.retries,
		m.errorsByKind,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheEntries,
		m.poolWorkers,
		m.poolQueueDepth,
		m.poolEvents,
		m.quotaRejections,
		m.breakerTransitions,
		m.breakerState,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Execution Metrics

// ExecutionStarted marks a request as in flight.
func (m *Metrics) ExecutionStarted() {
	if m.inFlight == nil {
		return
	}
	m.inFlight.Inc()
}

// RecordExecution records a finished request. kind is empty on success.
func (m *Metrics) RecordExecution(pluginID, action, status string, duration time.Duration, memoryBytes uint64, kind engine.ErrorKind) {
	if m.executions == nil {
		return
	}
	m.inFlight.Dec()
	m.executions.WithLabelValues(pluginID, action, status).Inc()
	m.executionDuration.WithLabelValues(pluginID, action, status).Observe(duration.Seconds())
	if memoryBytes > 0 {
		m.executionMemory.WithLabelValues(pluginID).Observe(float64(memoryBytes))
	}
	if kind != "" {
		m.errorsByKind.WithLabelValues(string(kind), string(kind.Class())).Inc()
	}
}

// RecordRetry records a failed attempt that will be retried.
func (m *Metrics) RecordRetry(pluginID string, kind engine.ErrorKind) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(pluginID, string(kind)).Inc()
}

// Cache Metrics

// RecordCacheHit implements cache.Recorder.
func (m *Metrics) RecordCacheHit() {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss implements cache.Recorder.
func (m *Metrics) RecordCacheMiss() {
	if m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordCacheEviction implements cache.Recorder.
func (m *Metrics) RecordCacheEviction(reason string, n int) {
	if m.cacheEvictions == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// SetCacheSize implements cache.Recorder.
func (m *Metrics) SetCacheSize(n int) {
	if m.cacheEntries == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// Pool Metrics

// ObservePool implements pool.Observer.
func (m *Metrics) ObservePool(s pool.Stats) {
	if m.poolWorkers == nil {
		return
	}
	m.poolWorkers.WithLabelValues("active").Set(float64(s.Active))
	m.poolWorkers.WithLabelValues("idle").Set(float64(s.Idle))
	m.poolWorkers.WithLabelValues("total").Set(float64(s.TotalWorkers))
	m.poolQueueDepth.Set(float64(s.QueueDepth))

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	add := func(event string, now, last uint64) {
		if now > last {
			m.poolEvents.WithLabelValues(event).Add(float64(now - last))
		}
	}
	add("crashed", s.Crashed, m.lastPool.Crashed)
	add("recycled", s.Recycled, m.lastPool.Recycled)
	add("retired", s.Retired, m.lastPool.Retired)
	add("timed_out", s.TimedOut, m.lastPool.TimedOut)
	add("rejected", s.Rejected, m.lastPool.Rejected)
	m.lastPool = s
}

// Quota and Breaker Metrics

// RecordQuotaRejection implements quota.Recorder.
func (m *Metrics) RecordQuotaRejection(tier, reason string) {
	if m.quotaRejections == nil {
		return
	}
	m.quotaRejections.WithLabelValues(tier, reason).Inc()
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(pluginID, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(pluginID, to).Inc()
	value := 0.0
	switch to {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(pluginID).Set(value)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ExecutionStat aggregates one (plugin, action, status) series.
type ExecutionStat struct {
	PluginID           string  `json:"pluginId"`
	Action             string  `json:"actionName"`
	Status             string  `json:"status"`
	Count              uint64  `json:"count"`
	DurationSumSeconds float64 `json:"durationSumSeconds"`
}

// MetricsSnapshot is a read-only view of the collected metrics.
type MetricsSnapshot struct {
	Executions   []ExecutionStat    `json:"executions"`
	InFlight     float64            `json:"inFlight"`
	Errors       map[string]float64 `json:"errors"`
	Retries      float64            `json:"retries"`
	CacheHits    float64            `json:"cacheHits"`
	CacheMisses  float64            `json:"cacheMisses"`
	CacheEntries float64            `json:"cacheEntries"`
	Evictions    map[string]float64 `json:"cacheEvictions"`
	PoolWorkers  map[string]float64 `json:"poolWorkers"`
	QueueDepth   float64            `json:"queueDepth"`
	PoolEvents   map[string]float64 `json:"poolEvents"`
	QuotaDenials map[string]float64 `json:"quotaRejections"`
}

// Snapshot gathers the registry into a MetricsSnapshot. It is rebuilt on
// every call.
func (m *Metrics) Snapshot() (MetricsSnapshot, error) {
	snap := MetricsSnapshot{
		Executions:   []ExecutionStat{},
		Errors:       map[string]float64{},
		Evictions:    map[string]float64{},
		PoolWorkers:  map[string]float64{},
		PoolEvents:   map[string]float64{},
		QuotaDenials: map[string]float64{},
	}
	if m.registry == nil {
		return snap, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return snap, err
	}

	prefix := ""
	if m.config.Namespace != "" {
		prefix = m.config.Namespace + "_"
	}
	execs := map[[3]string]*ExecutionStat{}

	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := labelMap(metric)
			switch mf.GetName() {
			case prefix + "executions_total":
				stat(execs, labels).Count = uint64(metric.GetCounter().GetValue())
			case prefix + "execution_duration_seconds":
				stat(execs, labels).DurationSumSeconds = metric.GetHistogram().GetSampleSum()
			case prefix + "executions_in_flight":
				snap.InFlight = metric.GetGauge().GetValue()
			case prefix + "execution_retries_total":
				snap.Retries += metric.GetCounter().GetValue()
			case prefix + "errors_total":
				snap.Errors[labels["error_kind"]] += metric.GetCounter().GetValue()
			case prefix + "cache_hits_total":
				snap.CacheHits = metric.GetCounter().GetValue()
			case prefix + "cache_misses_total":
				snap.CacheMisses = metric.GetCounter().GetValue()
			case prefix + "cache_entries":
				snap.CacheEntries = metric.GetGauge().GetValue()
			case prefix + "cache_evictions_total":
				snap.Evictions[labels["reason"]] = metric.GetCounter().GetValue()
			case prefix + "pool_workers":
				snap.PoolWorkers[labels["state"]] = metric.GetGauge().GetValue()
			case prefix + "pool_queue_depth":
				snap.QueueDepth = metric.GetGauge().GetValue()
			case prefix + "pool_events_total":
				snap.PoolEvents[labels["event"]] = metric.GetCounter().GetValue()
			case prefix + "quota_rejections_total":
				snap.QuotaDenials[labels["tier"]+"/"+labels["reason"]] = metric.GetCounter().GetValue()
			}
		}
	}

	for _, s := range execs {
		snap.Executions = append(snap.Executions, *s)
	}
	sort.Slice(snap.Executions, func(i, j int) bool {
		a, b := snap.Executions[i], snap.Executions[j]
		if a.PluginID != b.PluginID {
			return a.PluginID < b.PluginID
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Status < b.Status
	})
	return snap, nil
}

func labelMap(metric *dto.Metric) map[string]string {
	out := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func stat(execs map[[3]string]*ExecutionStat, labels map[string]string) *ExecutionStat {
	key := [3]string{labels["plugin_id"], labels["action"], labels["status"]}
	s, ok := execs[key]
	if !ok {
		s = &ExecutionStat{PluginID: key[0], Action: key[1], Status: key[2]}
		execs[key] = s
	}
	return s
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
