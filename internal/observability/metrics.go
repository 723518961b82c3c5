// Package observability exposes prometheus metrics for the pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's instruments.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	QueueDepth    prometheus.Gauge

	WebhookPayloads  prometheus.Counter
	WebhookRejected  prometheus.Counter
	LogsDispatched   *prometheus.CounterVec
	ConfirmOutcomes  *prometheus.CounterVec
	WithdrawOutcomes *prometheus.CounterVec
	ReconRuns        prometheus.Counter
	StuckRequeued    prometheus.Counter
}

// New registers the instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_jobs_processed_total",
			Help: "Queue jobs processed, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_queue_pending_jobs",
			Help: "Jobs currently pending in the webhook queue.",
		}),
		WebhookPayloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_webhook_payloads_total",
			Help: "Webhook payloads accepted for processing.",
		}),
		WebhookRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_webhook_rejected_total",
			Help: "Webhook payloads rejected as malformed.",
		}),
		LogsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_logs_dispatched_total",
			Help: "Contract logs dispatched to handlers, by event kind.",
		}, []string{"kind"}),
		ConfirmOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_confirmations_total",
			Help: "Deposit group confirmations, by terminal status.",
		}, []string{"status"}),
		WithdrawOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_withdrawals_total",
			Help: "Withdrawal executions, by terminal status.",
		}, []string{"status"}),
		ReconRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_reconciliation_runs_total",
			Help: "Reconciliation passes started.",
		}),
		StuckRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrow_stuck_jobs_requeued_total",
			Help: "PROCESSING jobs returned to PENDING by lease recovery.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
