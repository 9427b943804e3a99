package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revanalyzer"

// Source collection.
var (
	ObservationsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "observations_total",
		Help:      "Raw observations returned per source.",
	}, []string{"source"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Failed source fetches.",
	}, []string{"source"})

	SourceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of a single source fetch in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"source"})
)

// Pipeline runs.
var (
	IssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "issues_total",
		Help:      "Data quality issues recorded per kind.",
	}, []string{"kind"})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "records_total",
		Help:      "Records leaving each pipeline stage.",
	}, []string{"stage"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full pipeline run.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	LastRunTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "last_run_timestamp",
		Help:      "Unix timestamp of the last finished run per status.",
	}, []string{"status"})
)

// HTTP surface.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Alerting.
var (
	DigestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "digests_total",
		Help:      "Run digests delivered per status.",
	}, []string{"status"})
)
