package logger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "events_total",
		Help:      "Events passed to Log by outcome.",
	}, []string{"result"})
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "batches_total",
		Help:      "Batch deliveries per sink by outcome.",
	}, []string{"sink", "result"})
	batchEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "batch_events",
		Help:      "Events per drained batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	batchAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "batch_age_seconds",
		Help:      "Time from a batch's first event to its dispatch.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	sinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "sink_duration_seconds",
		Help:      "Sink.Execute latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sink"})
	outstandingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mev",
		Subsystem: "logger",
		Name:      "outstanding_batches",
		Help:      "Drained batches not yet delivered to every sink.",
	})
)
