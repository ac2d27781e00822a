package queue

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics for Prometheus monitoring.
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkmail_queue_entries",
			Help: "Number of live queue entries by status",
		},
		[]string{"status"}, // pending, processing
	)

	EntriesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_queue_entries_enqueued_total",
			Help: "Total number of queue entries created, including successors",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_queue_claims_total",
			Help: "Total number of claim attempts by result",
		},
		[]string{"result"}, // claimed, empty, error
	)

	StaleRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_queue_stale_recovered_total",
			Help: "Total number of processing entries returned to pending after the claim lease expired",
		},
	)

	ClaimsLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_queue_claims_lost_total",
			Help: "Total number of claimed operations refused because another claim replaced the caller's",
		},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_queue_operation_duration_seconds",
			Help:    "Duration of queue store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// instrumented records metrics around every Store call.
type instrumented struct {
	next Store
}

// Instrument wraps a Store so its operations are reflected in the queue metrics.
func Instrument(s Store) Store {
	return &instrumented{next: s}
}

func observe(op string, start time.Time) {
	StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Enqueue(ctx context.Context, newsletterID int64, offset int, delay time.Duration) (int64, error) {
	defer observe("enqueue", time.Now())
	id, err := i.next.Enqueue(ctx, newsletterID, offset, delay)
	if err == nil {
		EntriesEnqueuedTotal.Inc()
	}
	return id, err
}

func (i *instrumented) ClaimDue(ctx context.Context) (*Entry, error) {
	defer observe("claim", time.Now())
	e, err := i.next.ClaimDue(ctx)
	switch {
	case err == nil:
		ClaimsTotal.WithLabelValues("claimed").Inc()
	case errors.Is(err, ErrNoDueEntry):
		ClaimsTotal.WithLabelValues("empty").Inc()
	default:
		ClaimsTotal.WithLabelValues("error").Inc()
	}
	return e, err
}

func (i *instrumented) Renew(ctx context.Context, id int64, attempt int) error {
	defer observe("renew", time.Now())
	return lost(i.next.Renew(ctx, id, attempt))
}

func (i *instrumented) Reschedule(ctx context.Context, id int64, attempt int, delay time.Duration) error {
	defer observe("reschedule", time.Now())
	return lost(i.next.Reschedule(ctx, id, attempt, delay))
}

func (i *instrumented) Complete(ctx context.Context, id int64, attempt int) error {
	defer observe("complete", time.Now())
	return lost(i.next.Complete(ctx, id, attempt))
}

func (i *instrumented) Advance(ctx context.Context, id int64, attempt int, offset int) (int64, error) {
	defer observe("advance", time.Now())
	next, err := i.next.Advance(ctx, id, attempt, offset)
	if err == nil {
		EntriesEnqueuedTotal.Inc()
	}
	return next, lost(err)
}

func lost(err error) error {
	if errors.Is(err, ErrClaimLost) {
		ClaimsLostTotal.Inc()
	}
	return err
}

func (i *instrumented) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	defer observe("recover_stale", time.Now())
	n, err := i.next.RecoverStale(ctx, olderThan)
	if err == nil && n > 0 {
		StaleRecoveredTotal.Add(float64(n))
	}
	return n, err
}

func (i *instrumented) Depth(ctx context.Context) (int, int, error) {
	pending, processing, err := i.next.Depth(ctx)
	if err == nil {
		QueueDepth.WithLabelValues("pending").Set(float64(pending))
		QueueDepth.WithLabelValues("processing").Set(float64(processing))
	}
	return pending, processing, err
}
