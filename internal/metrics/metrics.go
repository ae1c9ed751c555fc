// Package metrics provides Prometheus metrics for the exposure log.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every exposure log metric. It implements
// butler.Observer and logbook.WriteObserver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Butler correlator metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    prometheus.Counter
	UpstreamErrorsTotal *prometheus.CounterVec

	// Store metrics
	RevisionsWrittenTotal *prometheus.CounterVec
}

// New creates the metrics and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exposurelog_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exposurelog_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "exposurelog_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		}),

		CacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exposurelog_butler_cache_hits_total",
			Help: "Exposure lookups answered from cache, by kind (positive or negative)",
		}, []string{"kind"}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "exposurelog_butler_cache_misses_total",
			Help: "Exposure lookups that went to a registry",
		}),
		UpstreamErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exposurelog_butler_upstream_errors_total",
			Help: "Failed registry calls, by registry",
		}, []string{"registry"}),

		RevisionsWrittenTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exposurelog_revisions_written_total",
			Help: "Message revisions written, by kind (create, edit, delete)",
		}, []string{"kind"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheHit implements butler.Observer.
func (m *Metrics) CacheHit(kind string) { m.CacheHitsTotal.WithLabelValues(kind).Inc() }

// CacheMiss implements butler.Observer.
func (m *Metrics) CacheMiss() { m.CacheMissesTotal.Inc() }

// UpstreamError implements butler.Observer.
func (m *Metrics) UpstreamError(registry string) {
	m.UpstreamErrorsTotal.WithLabelValues(registry).Inc()
}

// RevisionWritten implements logbook.WriteObserver.
func (m *Metrics) RevisionWritten(kind string) {
	m.RevisionsWrittenTotal.WithLabelValues(kind).Inc()
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
