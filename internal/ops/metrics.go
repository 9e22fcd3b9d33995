package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshop_dispatch_duration_seconds",
		Help:    "Wall time of a dispatch, from validation to program completion",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"kind", "cache"})

	dispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_dispatch_errors_total",
		Help: "Failed dispatches by operation and failure class",
	}, []string{"kind", "class"})
)
