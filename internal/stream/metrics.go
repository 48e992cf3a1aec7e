package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "infermesh",
		Subsystem: "stream",
		Name:      "deltas_applied_total",
		Help:      "Producer delta frames applied to stream state.",
	})

	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "infermesh",
		Subsystem: "stream",
		Name:      "subscribers_dropped_total",
		Help:      "Subscribers dropped for falling behind the producer.",
	})

	statesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infermesh",
		Subsystem: "stream",
		Name:      "states_active",
		Help:      "Live per-job stream states held in memory.",
	})
)
