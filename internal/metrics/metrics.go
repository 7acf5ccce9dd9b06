// Package metrics exposes render server counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "renderd"

type Metrics struct {
	registry *prometheus.Registry

	JobsTotal         *prometheus.CounterVec // outcome, code
	StageDuration     *prometheus.HistogramVec
	ActiveJobs        prometheus.Gauge
	QueuedJobs        prometheus.Gauge
	RenderingJobs     prometheus.Gauge
	AdmissionRejected prometheus.Counter
	IdempotentReplays prometheus.Counter
	FetchedBytes      prometheus.Counter
	UploadedBytes     prometheus.Counter
	WorkspaceReserved prometheus.Gauge
	WorkspacesSwept   prometheus.Counter
	RenderSeconds     prometheus.Histogram
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished render jobs by outcome and error code.",
		}, []string{"outcome", "code"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently past the active-job gate.",
		}),
		QueuedJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Admitted jobs waiting for an active slot.",
		}),
		RenderingJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_rendering",
			Help:      "Jobs holding a render slot.",
		}),
		AdmissionRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected because the admission ceiling was reached.",
		}),
		IdempotentReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a completed job with the same idempotency key.",
		}),
		FetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes downloaded into job workspaces.",
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes published to blob storage.",
		}),
		WorkspaceReserved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workspace_reserved_bytes",
			Help:      "Disk bytes reserved across live workspaces.",
		}),
		WorkspacesSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_swept_total",
			Help:      "Orphaned workspace directories removed by the janitor.",
		}),
		RenderSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_output_seconds",
			Help:      "Duration of published videos.",
			Buckets:   prometheus.LinearBuckets(15, 15, 8),
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// JobFinished counts a job by outcome ("done" or "failed") and error code.
func (m *Metrics) JobFinished(outcome, code string) {
	if code == "" {
		code = "none"
	}
	m.JobsTotal.WithLabelValues(outcome, code).Inc()
}
