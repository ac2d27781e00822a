package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"TicksTotal", TicksTotal},
		{"BatchesTotal", BatchesTotal},
		{"BatchDuration", BatchDuration},
		{"RecipientsDeliveredTotal", RecipientsDeliveredTotal},
		{"NewslettersFinalizedTotal", NewslettersFinalizedTotal},
		{"ArchiveErrorsTotal", ArchiveErrorsTotal},
		{"OpsRequestsTotal", OpsRequestsTotal},
		{"OpsRequestDuration", OpsRequestDuration},
		{"DBConnectionsActive", DBConnectionsActive},
		{"DBConnectionsIdle", DBConnectionsIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s is nil", tt.name)
			}
		})
	}
}

func TestBatchesCounter(t *testing.T) {
	before := testutil.ToFloat64(BatchesTotal.WithLabelValues("advanced"))
	BatchesTotal.WithLabelValues("advanced").Inc()
	if got := testutil.ToFloat64(BatchesTotal.WithLabelValues("advanced")); got != before+1 {
		t.Errorf("advanced batches = %v, want %v", got, before+1)
	}
}

func TestObservePool(t *testing.T) {
	ObservePool(7, 3)
	if got := testutil.ToFloat64(DBConnectionsActive); got != 7 {
		t.Errorf("active = %v, want 7", got)
	}
	if got := testutil.ToFloat64(DBConnectionsIdle); got != 3 {
		t.Errorf("idle = %v, want 3", got)
	}
}

func TestOpsRequestDuration(t *testing.T) {
	OpsRequestDuration.WithLabelValues("GET", "/healthz").Observe(0.01)
}
