package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provider metrics for Prometheus monitoring.
var (
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_provider_send_duration_seconds",
			Help:    "Duration of provider send calls by provider and result",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "result"}, // ok, failed
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_provider_health_checks_total",
			Help: "Total number of provider health checks by result",
		},
		[]string{"provider", "result"}, // success, failure
	)

	ProviderUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkmail_provider_up",
			Help: "1 if the provider passed its latest health evaluation, 0 otherwise",
		},
		[]string{"provider"},
	)
)
