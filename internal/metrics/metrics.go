// Package metrics holds the Prometheus collectors of the archive query service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query outcomes.
const (
	OutcomeFields    = "fields"
	OutcomeAccepted  = "accepted"
	OutcomeForbidden = "forbidden"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var (
	// Queries counts handled archive queries by protocol namespace and outcome.
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_queries_total",
			Help: "Archive queries by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	// RecordsEmitted counts result frames sent to clients.
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_records_emitted_total",
			Help: "Archived records forwarded as query results.",
		},
		[]string{"namespace"},
	)

	// RecordsDropped counts stored records that could not be forwarded.
	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_records_dropped_total",
			Help: "Archived records skipped because they could not be represented.",
		},
		[]string{"reason"},
	)

	// AvailabilityWait observes how long queries waited for archive writes.
	AvailabilityWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mam_availability_wait_seconds",
		Help:    "Time spent waiting for archive writes to become readable.",
		Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2, 5, 10},
	})

	// PipelineDuration observes query processing time by final state.
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mam_pipeline_duration_seconds",
			Help:    "Duration of background archive query processing.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace", "state"},
	)

	// ArchiveFlushed counts messages persisted by the archiver.
	ArchiveFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mam_archive_flushed_total",
		Help: "Messages written to the archive.",
	})

	// ArchiveFlushErrors counts failed archive batch writes.
	ArchiveFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mam_archive_flush_errors_total",
		Help: "Archive batch writes that failed and were retried.",
	})

	// ArchivePending reports messages waiting to be persisted.
	ArchivePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mam_archive_pending",
		Help: "Messages accepted for archiving but not yet written.",
	})

	// HTTPRequests counts HTTP requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// MUCCacheLookups counts group-chat service cache lookups by result.
	MUCCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_muc_service_cache_lookups_total",
			Help: "Group-chat service cache lookups by result.",
		},
		[]string{"result"},
	)

	// Sessions reports live WebSocket sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mam_ws_sessions",
		Help: "Authenticated WebSocket sessions.",
	})

	// Handshakes counts WebSocket handshakes by result.
	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mam_ws_handshakes_total",
			Help: "WebSocket handshakes by result.",
		},
		[]string{"result"},
	)
)
