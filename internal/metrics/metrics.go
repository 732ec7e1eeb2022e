// Package metrics exposes the server's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callisto",
		Name:      "rooms_open",
		Help:      "Number of rooms currently open.",
	})

	PeersJoined = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callisto",
		Name:      "peers_joined",
		Help:      "Number of peers currently joined to a room.",
	})

	ProducersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callisto",
		Name:      "producers_open",
		Help:      "Number of open producers.",
	})

	ConsumersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callisto",
		Name:      "consumers_open",
		Help:      "Number of open consumers.",
	})

	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callisto",
		Name:      "signal_messages_total",
		Help:      "Inbound signaling messages handled, by type.",
	}, []string{"type"})

	SignalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callisto",
		Name:      "signal_errors_total",
		Help:      "Error responses sent to clients, by code.",
	}, []string{"code"})
)
