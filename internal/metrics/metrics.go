package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for receipt fiscalization. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	Webhooks         *prometheus.CounterVec
	Polls            *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	FermaLatency     *prometheus.HistogramVec
	ReconcilePending prometheus.Gauge
}

// New registers all fiscalization metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_submissions_total",
			Help: "Receipt submissions by outcome",
		}, []string{"outcome"}), // outcome: "sent", "failed", "duplicate", "in_progress"

		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_webhooks_total",
			Help: "Fiscal service callbacks by handling result",
		}, []string{"result"}),

		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_polls_total",
			Help: "Fallback status polls by result",
		}, []string{"result"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_transitions_total",
			Help: "Receipt state transitions by target status and writer",
		}, []string{"to", "source"}),

		FermaLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fiscal_ferma_request_duration_seconds",
			Help:    "Duration of fiscal service calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),

		ReconcilePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "fiscal_reconcile_pending",
			Help: "Receipts tracked by the fallback reconciliation worker",
		}),
	}
}

func (m *Metrics) IncSubmission(outcome string) {
	if m != nil {
		m.Submissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncWebhook(result string) {
	if m != nil {
		m.Webhooks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncPoll(result string) {
	if m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncTransition(to, source string) {
	if m != nil {
		m.Transitions.WithLabelValues(to, source).Inc()
	}
}

func (m *Metrics) ObserveFermaLatency(endpoint string, d time.Duration) {
	if m != nil {
		m.FermaLatency.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

func (m *Metrics) SetReconcilePending(n int) {
	if m != nil {
		m.ReconcilePending.Set(float64(n))
	}
}
