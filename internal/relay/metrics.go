package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "frames_received_total",
		Help:      "WebSocket frames received, by decoded kind.",
	}, []string{"kind"})

	packetsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "packets_forwarded_total",
		Help:      "Packets forwarded to nodes, by dispatch path.",
	}, []string{"path"})

	packetsReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "packets_returned_total",
		Help:      "Packets returned to clients, by delivery path.",
	}, []string{"path"})

	packetsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "packets_dropped_total",
		Help:      "Packets dropped, by reason.",
	}, []string{"reason"})

	udpBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "udp_bindings",
		Help:      "Live UDP client bindings.",
	})

	wsAttachments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "boson",
		Subsystem: "relay",
		Name:      "ws_attachments",
		Help:      "Open WebSocket session attachments.",
	})
)
