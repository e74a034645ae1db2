package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "orchestrator",
		Name:      "workflows_created_total",
		Help:      "Workflows created, by workflow type.",
	}, []string{"type"})

	timeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "orchestrator",
		Name:      "stage_timeouts_total",
		Help:      "Tasks failed by the stage timeout sweep, by agent type.",
	}, []string{"agent_type"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "orchestrator",
		Name:      "events_published_total",
		Help:      "Lifecycle events published, by subject.",
	}, []string{"subject"})
)
