package program

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshop_program_run_duration_seconds",
		Help:    "Wall time from kernel launch to the last kernel finishing",
		Buckets: prometheus.DefBuckets,
	}, []string{"program"})

	kernelAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshop_program_kernel_aborts_total",
		Help: "Kernels that panicked during a run",
	})
)
