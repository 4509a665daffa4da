package sinks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rzbill/mev/internal/event"
)

var (
	sinkEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "events",
		Name:      "total",
		Help:      "Events delivered to the metrics sink by type.",
	}, []string{"type"})
	sinkBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "events",
		Name:      "batch_size",
		Help:      "Events per batch delivered to the metrics sink.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	sinkLastEvent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mev",
		Subsystem: "events",
		Name:      "last_timestamp_seconds",
		Help:      "Timestamp of the newest event seen by the metrics sink.",
	})
)

// Metrics aggregates events into Prometheus collectors. It never fails.
type Metrics struct{}

// NewMetrics returns the metrics sink.
func NewMetrics() *Metrics { return &Metrics{} }

func (*Metrics) Name() string { return "metrics:" }

func (*Metrics) Execute(_ context.Context, _ string, events []event.Event) error {
	var newest int64
	for i := range events {
		sinkEvents.WithLabelValues(events[i].Type.String()).Inc()
		if ms := events[i].Timestamp.UnixMilli(); ms > newest {
			newest = ms
		}
	}
	sinkBatchSize.Observe(float64(len(events)))
	if newest > 0 {
		sinkLastEvent.Set(float64(newest) / 1000)
	}
	return nil
}

func (*Metrics) Close() error { return nil }
