package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one overseer process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	jobsFinished    *prometheus.CounterVec
	jobsActive      prometheus.Gauge
	jobsQueued      prometheus.Gauge
	events          *prometheus.CounterVec
	statusRequests  *prometheus.CounterVec
	jobDuration     prometheus.Histogram
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_tool_invocations_total",
				Help: "External tool invocations by tool and exit reason",
			},
			[]string{"tool", "reason"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overseer_tool_duration_seconds",
				Help:    "Wall time of external tool invocations",
				Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
			},
			[]string{"tool"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"state"},
		),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_jobs_active",
			Help: "Jobs whose pipeline is running",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_jobs_queued",
			Help: "Jobs waiting for a slot",
		}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_stage_events_total",
				Help: "Stage events by kind and outcome (applied, rejected, dropped)",
			},
			[]string{"kind", "outcome"},
		),
		statusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_status_requests_total",
				Help: "Status requests by outcome (answered, unanswered)",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "overseer_job_duration_seconds",
			Help:    "Wall time of whole conversion jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}

	m.registry.MustRegister(
		m.toolInvocations,
		m.toolDuration,
		m.jobsFinished,
		m.jobsActive,
		m.jobsQueued,
		m.events,
		m.statusRequests,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTool records one finished tool invocation
func (m *Metrics) ObserveTool(tool, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(tool, reason).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// JobFinished records a job reaching a terminal state
func (m *Metrics) JobFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(state).Inc()
	if d > 0 {
		m.jobDuration.Observe(d.Seconds())
	}
}

// SetJobs updates the active and queued gauges
func (m *Metrics) SetJobs(active, queued int) {
	if m == nil {
		return
	}
	m.jobsActive.Set(float64(active))
	m.jobsQueued.Set(float64(queued))
}

// Event records the outcome of a stage event
func (m *Metrics) Event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

// StatusRequest records whether a status request got an answer
func (m *Metrics) StatusRequest(answered bool) {
	if m == nil {
		return
	}
	outcome := "answered"
	if !answered {
		outcome = "unanswered"
	}
	m.statusRequests.WithLabelValues(outcome).Inc()
}
