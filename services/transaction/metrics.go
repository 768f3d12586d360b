package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adpayout",
		Subsystem: "transaction",
		Name:      "transitions_total",
		Help:      "Transaction status changes by type and target status.",
	}, []string{"type", "status"})

	terminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adpayout",
		Subsystem: "transaction",
		Name:      "terminal_failures_total",
		Help:      "Transactions that failed with no retries left.",
	}, []string{"type"})

	activeMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adpayout",
		Subsystem: "transaction",
		Name:      "active_monitors",
		Help:      "Handles currently awaiting confirmation.",
	})
)
