// Package metrics exposes Prometheus collectors for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	ReconcilePasses  *prometheus.CounterVec
	TimersArmed      *prometheus.CounterVec
	Executions       *prometheus.CounterVec
	ExpiredTotal     prometheus.Counter
	OversizeFailures prometheus.Counter
	CircuitState     *prometheus.GaugeVec
}

// New registers the coordinator collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txcoordinator",
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes per ladder rung.",
		}, []string{"rung"}),
		TimersArmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txcoordinator",
			Name:      "timers_armed_total",
			Help:      "One-shot timers armed per phase.",
		}, []string{"phase"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txcoordinator",
			Name:      "executions_total",
			Help:      "Execution attempts by unit kind and outcome.",
		}, []string{"kind", "outcome"}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txcoordinator",
			Name:      "expired_transactions_total",
			Help:      "Transactions swept to EXPIRED.",
		}),
		OversizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txcoordinator",
			Name:      "oversize_failures_total",
			Help:      "Transactions failed because collation could not shrink them.",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "txcoordinator",
			Name:      "mirror_circuit_state",
			Help:      "Mirror node circuit state per network (0 closed, 1 open, 2 half-open).",
		}, []string{"network"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReconcilePasses,
			m.TimersArmed,
			m.Executions,
			m.ExpiredTotal,
			m.OversizeFailures,
			m.CircuitState,
		)
	}
	return m
}
