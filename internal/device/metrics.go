package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buffersAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_device_buffers_allocated_total",
		Help: "Total number of mesh buffers allocated",
	}, []string{"kind"})

	nocBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshop_device_noc_bytes_written_total",
		Help: "Total bytes written over chip NoCs",
	})
)
