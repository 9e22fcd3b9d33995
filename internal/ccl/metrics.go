package ccl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meshop_ccl_pages_sent_total",
	Help: "Input pages gathered by all-gather senders",
})
