package auditor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "auditor",
			Name:      "invocations_total",
			Help:      "Auditor invocations by outcome",
		},
		[]string{"auditor", "outcome"},
	)

	findingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "auditor",
			Name:      "findings_total",
			Help:      "Findings returned by auditors",
		},
		[]string{"auditor", "severity"},
	)
)
