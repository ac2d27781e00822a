package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps carries what the ops endpoints report on. Nil Health or Queue
// leaves the matching endpoint unregistered.
type RouterDeps struct {
	Log    zerolog.Logger
	Checks map[string]Pinger
	Health StatusReporter
	Queue  DepthReporter
}

// NewRouter creates the ops router: liveness and readiness, Prometheus metrics, provider
// health and queue depth.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(deps.Log))
	r.Use(RecoverMiddleware(deps.Log))
	r.Use(MetricsMiddleware)

	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.Checks))
	r.Handle("/metrics", promhttp.Handler())

	if deps.Health != nil {
		r.Get("/providers/health", ProvidersHealthHandler(deps.Health))
	}
	if deps.Queue != nil {
		r.Get("/queue", QueueHandler(deps.Queue))
	}

	return r
}
