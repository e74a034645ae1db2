package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Envelopes published, by topic and channel (broadcast or log).",
	}, []string{"topic", "channel"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "bus",
		Name:      "consumed_total",
		Help:      "Valid envelopes delivered to log consumers.",
	}, []string{"log", "group"})

	redeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "bus",
		Name:      "redeliveries_total",
		Help:      "Messages left pending for redelivery after a handler error.",
	}, []string{"log", "group"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stageflow",
		Subsystem: "bus",
		Name:      "dead_lettered_total",
		Help:      "Messages moved to the dead-letter log.",
	}, []string{"source_log"})
)
