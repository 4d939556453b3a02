package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the download gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	upstreamResolves  *prometheus.CounterVec
	sessionsStarted   *prometheus.CounterVec
	sessionsFinished  *prometheus.CounterVec
	bytesRelayed      *prometheus.CounterVec
	mergeDuration     *prometheus.HistogramVec
	gcReclaimed       prometheus.Counter
	gcForced          *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	tempReservedBytes prometheus.Gauge
}

// New creates and registers the gateway metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mg_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mg_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_metadata_cache_lookups_total",
			Help: "Metadata cache lookups by result (hit, miss, coalesced)",
		}, []string{"result"}),
		upstreamResolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_upstream_resolves_total",
			Help: "Extraction engine calls by outcome kind",
		}, []string{"outcome"}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_sessions_started_total",
			Help: "Download sessions created by pipeline",
		}, []string{"pipeline"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_sessions_finished_total",
			Help: "Download sessions reaching a terminal state",
		}, []string{"pipeline", "state", "failure"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_bytes_relayed_total",
			Help: "Bytes written to client sinks by pipeline",
		}, []string{"pipeline"}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mg_merge_duration_seconds",
			Help:    "Merge tool wall time by result",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"result"}),
		gcReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mg_gc_reclaimed_total",
			Help: "Temp resources removed by the garbage collector",
		}),
		gcForced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mg_gc_forced_terminations_total",
			Help: "Sessions force-terminated by the garbage collector",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mg_active_sessions",
			Help: "Sessions not yet in a terminal state",
		}),
		tempReservedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mg_temp_reserved_bytes",
			Help: "Temp storage reserved by in-flight merge sessions",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.cacheLookups,
		m.upstreamResolves,
		m.sessionsStarted,
		m.sessionsFinished,
		m.bytesRelayed,
		m.mergeDuration,
		m.gcReclaimed,
		m.gcForced,
		m.activeSessions,
		m.tempReservedBytes,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// CacheLookup records a metadata cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// UpstreamResolve records one extraction engine call; outcome is "ok" or a
// failure kind.
func (m *Metrics) UpstreamResolve(outcome string) {
	if m == nil {
		return
	}
	m.upstreamResolves.WithLabelValues(outcome).Inc()
}

// SessionStarted counts a new session for pipeline.
func (m *Metrics) SessionStarted(pipeline string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(pipeline).Inc()
}

// SessionFinished counts a terminal transition.
func (m *Metrics) SessionFinished(pipeline, state, failure string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(pipeline, state, failure).Inc()
}

// AddBytesRelayed adds n client-bound bytes for pipeline.
func (m *Metrics) AddBytesRelayed(pipeline string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(pipeline).Add(float64(n))
}

// ObserveMerge records one merge tool run.
func (m *Metrics) ObserveMerge(result string, seconds float64) {
	if m == nil {
		return
	}
	m.mergeDuration.WithLabelValues(result).Observe(seconds)
}

// IncReclaimed counts a removed temp resource.
func (m *Metrics) IncReclaimed() {
	if m == nil {
		return
	}
	m.gcReclaimed.Inc()
}

// IncForced counts a GC forced termination by reason (stale, disconnect).
func (m *Metrics) IncForced(reason string) {
	if m == nil {
		return
	}
	m.gcForced.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetTempReserved sets the reserved temp bytes gauge.
func (m *Metrics) SetTempReserved(n int64) {
	if m == nil {
		return
	}
	m.tempReservedBytes.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
