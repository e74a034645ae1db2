package machine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "machine",
		Name:      "transitions_total",
		Help:      "Applied workflow transitions, by outcome (advanced, completed, failed).",
	}, []string{"outcome"})

	discardedResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "machine",
		Name:      "discarded_results_total",
		Help:      "Results discarded without a transition, by reason.",
	}, []string{"reason"})

	transitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "machine",
		Name:      "transition_conflicts_total",
		Help:      "Transitions that lost a compare-and-swap race and were retried.",
	})
)
