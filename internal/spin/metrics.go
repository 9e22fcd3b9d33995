package spin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meshop_spin_stalls_total",
	Help: "Number of times a busy-wait exceeded the watchdog threshold",
}, []string{"site"})
