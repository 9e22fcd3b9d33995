package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_fabric_packets_sent_total",
		Help: "Packets handed to a fabric router by a worker",
	}, []string{"type", "direction"})

	packetsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_fabric_packets_delivered_total",
		Help: "Packets applied to a chip's memory",
	}, []string{"type"})

	payloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshop_fabric_payload_bytes_total",
		Help: "Payload bytes copied onto fabric links",
	})

	slotWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshop_fabric_slot_waits_total",
		Help: "Number of times a worker had to wait for a free write slot",
	})

	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshop_fabric_connections_open",
		Help: "Worker connections currently attached to a router",
	})
)
