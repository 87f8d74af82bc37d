package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation outcome labels.
const (
	OutcomeSuccess               = "success"
	OutcomeReplay                = "replay"
	OutcomeConflict              = "conflict"
	OutcomeSignatureMismatch     = "signature_mismatch"
	OutcomePartialReconciliation = "partial_reconciliation"
	OutcomePartialRestoration    = "partial_restoration"
	OutcomeError                 = "error"
)

// ReconciliationMetrics records the result of every reconciliation operation
// and the latency of calls to the payment provider.
type ReconciliationMetrics struct {
	outcomes        *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	restoredUnits   *prometheus.CounterVec
}

// NewReconciliationMetrics registers the reconciliation metrics on the provided registerer.
func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	if reg == nil {
		return &ReconciliationMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_outcomes_total",
		Help: "Reconciliation operations by outcome.",
	}, []string{"operation", "outcome"})
	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_request_duration_seconds",
		Help:    "Duration of payment provider calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	restoredUnits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_restoration_items_total",
		Help: "Stock restoration attempts per line item by result.",
	}, []string{"result"})
	reg.MustRegister(outcomes, providerLatency, restoredUnits)
	return &ReconciliationMetrics{
		outcomes:        outcomes,
		providerLatency: providerLatency,
		restoredUnits:   restoredUnits,
	}
}

// IncOutcome increments the outcome counter for operation.
func (m *ReconciliationMetrics) IncOutcome(operation, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// ObserveProvider records the duration of a provider call.
func (m *ReconciliationMetrics) ObserveProvider(operation string, duration time.Duration) {
	if m == nil || m.providerLatency == nil {
		return
	}
	m.providerLatency.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// IncRestoration counts one line item restoration attempt (restored, skipped, failed).
func (m *ReconciliationMetrics) IncRestoration(result string) {
	if m == nil || m.restoredUnits == nil {
		return
	}
	m.restoredUnits.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
