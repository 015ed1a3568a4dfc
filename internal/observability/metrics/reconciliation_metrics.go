package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeMatched   = "matched"
	OutcomeCorrected = "corrected"
	OutcomeMismatch  = "mismatch"
	OutcomeError     = "error"
)

// ReconciliationMetrics tracks reconciliation throughput and gateway health.
type ReconciliationMetrics struct {
	payments      *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	gatewayCalls  *prometheus.HistogramVec
	runDuration   *prometheus.HistogramVec
}

func NewReconciliationMetrics(registerer prometheus.Registerer, cfg Config) *ReconciliationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &ReconciliationMetrics{
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "lexbill_reconciliation_payments_total",
			Help:        "Payments reconciled by method and outcome.",
			ConstLabels: labels,
		}, []string{"method", "outcome"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "lexbill_reconciliation_discrepancies_total",
			Help:        "Discrepancies detected by type and severity.",
			ConstLabels: labels,
		}, []string{"type", "severity"}),
		gatewayCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "lexbill_gateway_call_duration_seconds",
			Help:        "Gateway status lookups by method and result.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"method", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "lexbill_reconciliation_run_duration_seconds",
			Help:        "Reconciliation run latency by trigger.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			ConstLabels: labels,
		}, []string{"trigger"}),
	}

	registerer.MustRegister(m.payments, m.discrepancies, m.gatewayCalls, m.runDuration)
	return m
}

func (m *ReconciliationMetrics) IncPayment(method, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(method, outcome).Inc()
}

func (m *ReconciliationMetrics) IncDiscrepancy(kind, severity string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(kind, severity).Inc()
}

func (m *ReconciliationMetrics) ObserveGatewayCall(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(method, result).Observe(d.Seconds())
}

func (m *ReconciliationMetrics) ObserveRun(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}
