package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stageflow",
	Subsystem: "dispatch",
	Name:      "tasks_total",
	Help:      "Stage tasks published, by agent type.",
}, []string{"agent_type"})
