package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DisbursementMetrics counts disbursement state transitions.
type DisbursementMetrics struct {
	transitions *prometheus.CounterVec
}

func NewDisbursementMetrics(reg prometheus.Registerer) *DisbursementMetrics {
	if reg == nil {
		return &DisbursementMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disbursement_transitions_total",
		Help:      "Disbursements entering a status.",
	}, []string{"status"})
	reg.MustRegister(transitions)
	return &DisbursementMetrics{transitions: transitions}
}

func (m *DisbursementMetrics) IncStatus(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}
