package retryqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "retry",
		Name:      "ops_total",
		Help:      "Retry queue operations by kind.",
	}, []string{"op"})
	redeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "retry",
		Name:      "redeliveries_total",
		Help:      "Redelivery attempts by sink and outcome.",
	}, []string{"sink", "result"})
)
