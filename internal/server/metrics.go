package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "infermesh",
		Subsystem: "dispatch",
		Name:      "jobs_total",
		Help:      "Inference jobs accepted for dispatch.",
	})

	nodesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infermesh",
		Subsystem: "nodes",
		Name:      "connected",
		Help:      "Nodes holding a live push socket.",
	})
)
