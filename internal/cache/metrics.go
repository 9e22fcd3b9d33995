package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_program_cache_hits_total",
		Help: "Dispatches served by an already compiled program",
	}, []string{"kind"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_program_cache_misses_total",
		Help: "Dispatches that had to compile a program",
	}, []string{"kind"})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshop_program_cache_entries",
		Help: "Compiled programs held by the cache",
	})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshop_program_build_duration_seconds",
		Help:    "Time spent compiling programs",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// HitCounter exposes the hit counter for a kind, for tests and dashboards
// computing deltas.
func HitCounter(kind string) prometheus.Counter { return cacheHits.WithLabelValues(kind) }

// MissCounter exposes the miss counter for a kind.
func MissCounter(kind string) prometheus.Counter { return cacheMisses.WithLabelValues(kind) }
