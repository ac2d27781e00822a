package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch metrics
var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_dispatch_ticks_total",
			Help: "Total number of scheduler ticks by result",
		},
		[]string{"result"}, // idle, processed, error
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_dispatch_batches_total",
			Help: "Total number of processed queue entries by outcome",
		},
		[]string{"outcome"}, // orphaned, already_sent, finalized, advanced, retry
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bulkmail_dispatch_batch_duration_seconds",
			Help:    "Duration of processing one queue entry end to end",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	RecipientsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_recipients_delivered_total",
			Help: "Total number of recipients handed to the provider by result",
		},
		[]string{"provider", "result"}, // ok, failed
	)

	NewslettersFinalizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_newsletters_finalized_total",
			Help: "Total number of newsletters moved to sent",
		},
	)

	ArchiveErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_archive_errors_total",
			Help: "Total number of failed web copy writes",
		},
	)
)

// Ops HTTP metrics
var (
	OpsRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_ops_requests_total",
			Help: "Total number of ops server requests",
		},
		[]string{"method", "path", "status"},
	)

	OpsRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_ops_request_duration_seconds",
			Help:    "Duration of ops server requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Database metrics
var (
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkmail_db_connections_active",
			Help: "Number of acquired database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulkmail_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// ObservePool records a connection pool snapshot.
func ObservePool(acquired, idle int32) {
	DBConnectionsActive.Set(float64(acquired))
	DBConnectionsIdle.Set(float64(idle))
}
