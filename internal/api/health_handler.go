package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/sungwon/bulkmail/internal/provider"
)

const readyCheckTimeout = 3 * time.Second

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthzHandler handles GET /healthz.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler handles GET /readyz. Every named dependency is pinged;
// any failure returns 503 with a Retry-After header and the failing names.
func ReadyzHandler(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			w.Header().Set("Retry-After", "30")
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"failed": failed,
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// StatusReporter exposes the latest provider health results.
type StatusReporter interface {
	GetAllStatuses() map[string]provider.HealthStatus
}

type providerHealth struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// ProvidersHealthHandler handles GET /providers/health. It returns 200 when
// every checked provider is healthy and 503 otherwise.
func ProvidersHealthHandler(reporter StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := reporter.GetAllStatuses()
		out := make(map[string]providerHealth, len(statuses))
		code := http.StatusOK
		for name, s := range statuses {
			out[name] = providerHealth{
				Healthy:             s.Healthy,
				LastCheck:           s.LastCheck,
				ConsecutiveFailures: s.ConsecutiveFailures,
				LastError:           s.LastError,
			}
			if !s.Healthy {
				code = http.StatusServiceUnavailable
			}
		}
		respondJSON(w, code, map[string]any{"providers": out})
	}
}

// DepthReporter reports how many queue entries are waiting and in flight.
type DepthReporter interface {
	Depth(ctx context.Context) (pending, processing int, err error)
}

// QueueHandler handles GET /queue.
func QueueHandler(q DepthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, processing, err := q.Depth(r.Context())
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{
			"pending":    pending,
			"processing": processing,
		})
	}
}
