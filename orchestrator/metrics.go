package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

type metrics struct {
	attempts      *prometheus.CounterVec
	sessionChecks prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onchain_issuer",
			Name:      "issuance_attempts_total",
			Help:      "Issuance attempts by outcome.",
		}, []string{"outcome"}),
		sessionChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "onchain_issuer",
			Name:      "session_checks_total",
			Help:      "Authentication session status checks.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.attempts, m.sessionChecks} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) attempt(err error, voluntary bool) {
	switch {
	case err == nil:
		m.attempts.WithLabelValues(outcomeSuccess).Inc()
	case voluntary:
		m.attempts.WithLabelValues(outcomeRejected).Inc()
	default:
		m.attempts.WithLabelValues(outcomeFailed).Inc()
	}
}
