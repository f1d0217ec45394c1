// Package monitoring exposes Prometheus collectors for the insight pipeline.
//
// Every recording method is safe on a nil *Metrics so components can be
// built without metrics in tests and one-shot tools.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finsight/internal/core"
)

// Per-candidate outcomes of the dedup gate.
const (
	OutcomeGenerated = "generated"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
	OutcomeInvalid   = "invalid"
)

// Generation run outcomes.
const (
	RunSuccess     = "success"
	RunFailed      = "failed"
	RunRateLimited = "rate_limited"
	RunRejected    = "rejected"
)

// Options control metrics construction.
type Options struct {
	// Namespace prefixes every metric. Defaults to "finsight".
	Namespace               string
	DisableGoCollector      bool
	DisableProcessCollector bool
}

// Metrics owns a private registry and the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	insightOutcomes   *prometheus.CounterVec
	generationRuns    *prometheus.CounterVec
	generationLatency prometheus.Histogram
	notifications     *prometheus.CounterVec
	insightsPurged    prometheus.Counter
	maintenanceRuns   *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	httpRejected      *prometheus.CounterVec
}

func New(opts Options) (*Metrics, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "finsight"
	}

	registry := prometheus.NewRegistry()
	if !opts.DisableGoCollector {
		if err := registry.Register(prometheus.NewGoCollector()); err != nil {
			return nil, err
		}
	}
	if !opts.DisableProcessCollector {
		if err := registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
			return nil, err
		}
	}

	m := &Metrics{
		registry: registry,
		insightOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "insight_outcomes_total",
			Help:      "Insight candidates by type and dedup outcome",
		}, []string{"type", "outcome"}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "generation_runs_total",
			Help:      "Insight generation runs by outcome",
		}, []string{"outcome"}),
		generationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of one insight generation run",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notification_decisions_total",
			Help:      "Notification throttle decisions",
		}, []string{"decision"}),
		insightsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "insights_purged_total",
			Help:      "Insights removed by retention cleanup",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job executions",
		}, []string{"job", "result"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_rejected_total",
			Help:      "Requests refused before reaching a handler",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		m.insightOutcomes, m.generationRuns, m.generationLatency,
		m.notifications, m.insightsPurged, m.maintenanceRuns, m.httpLatency,
		m.httpRejected,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InsightOutcome(typ core.InsightType, outcome string) {
	if m == nil {
		return
	}
	m.insightOutcomes.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) GenerationRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationRuns.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.generationLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) NotificationDecision(decision string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(decision).Inc()
}

func (m *Metrics) InsightsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.insightsPurged.Add(float64(n))
}

func (m *Metrics) MaintenanceRun(job string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.maintenanceRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// HTTPRejected counts a request refused by middleware, e.g. "rate_limited".
func (m *Metrics) HTTPRejected(reason string) {
	if m == nil {
		return
	}
	m.httpRejected.WithLabelValues(reason).Inc()
}
