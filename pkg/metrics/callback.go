package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Callback outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

// CallbackMetrics counts gateway callbacks by kind and outcome.
type CallbackMetrics struct {
	received *prometheus.CounterVec
}

func NewCallbackMetrics(reg prometheus.Registerer) *CallbackMetrics {
	if reg == nil {
		return &CallbackMetrics{}
	}
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_total",
		Help:      "Gateway callbacks received, by kind and outcome.",
	}, []string{"kind", "outcome"})
	reg.MustRegister(received)
	return &CallbackMetrics{received: received}
}

func (m *CallbackMetrics) Observe(kind, outcome string) {
	if m == nil || m.received == nil {
		return
	}
	m.received.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}
