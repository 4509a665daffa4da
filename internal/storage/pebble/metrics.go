package pebblestore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storageOps = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "storage",
		Name:      "op_duration_seconds",
		Help:      "Latency of Pebble reads, writes and batch commits.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"op"})
	storageBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "storage",
		Name:      "bytes_total",
		Help:      "Bytes read from or committed to Pebble.",
	}, []string{"op"})
)

// PromMetrics reports storage observations to the default Prometheus registry.
type PromMetrics struct{}

func (PromMetrics) ObserveWrite(d time.Duration, bytes int) {
	storageOps.WithLabelValues("write").Observe(d.Seconds())
	storageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (PromMetrics) ObserveRead(d time.Duration, bytes int) {
	storageOps.WithLabelValues("read").Observe(d.Seconds())
	storageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (PromMetrics) ObserveBatchCommit(d time.Duration, _ int, bytes int) {
	storageOps.WithLabelValues("commit").Observe(d.Seconds())
	storageBytes.WithLabelValues("commit").Add(float64(bytes))
}
