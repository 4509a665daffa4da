package lmtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recipientsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mev",
		Subsystem: "lmtp",
		Name:      "recipients_total",
		Help:      "Recipients seen by the LMTP server by outcome.",
	}, []string{"result"})

	messageBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mev",
		Subsystem: "lmtp",
		Name:      "message_bytes",
		Help:      "Size of accepted LMTP messages.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mev",
		Subsystem: "lmtp",
		Name:      "sessions_active",
		Help:      "Open LMTP sessions.",
	})
)
