package analytics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mev",
	Subsystem: "analytics",
	Name:      "query_duration_seconds",
	Help:      "Latency of contact analytics queries.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"query"})

func observe(query string, start time.Time) {
	queryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}
