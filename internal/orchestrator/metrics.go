package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Committed task transitions by event",
		},
		[]string{"event"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "verifications_total",
			Help:      "Verification verdicts by code",
		},
		[]string{"code"},
	)

	checkpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "checkpoints_total",
			Help:      "Checkpoints appended",
		},
	)

	escalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "escalations_total",
			Help:      "Tasks escalated after repeated verification failures",
		},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Rejected requests by error kind",
		},
		[]string{"kind"},
	)

	discontinuitiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "discontinuities_total",
			Help:      "Resumes whose expectation disagreed with the ledger",
		},
	)

	tasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Subsystem: "engine",
			Name:      "tasks",
			Help:      "Tasks by status as of the last snapshot",
		},
		[]string{"status"},
	)
)
