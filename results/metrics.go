package results

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "results",
		Name:      "applied_total",
		Help:      "Results applied end to end, by reported status.",
	}, []string{"status"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "results",
		Name:      "duplicates_total",
		Help:      "Result deliveries discarded by event id deduplication.",
	})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "results",
		Name:      "rejected_total",
		Help:      "Results rejected because their task was never dispatched.",
	})
)
