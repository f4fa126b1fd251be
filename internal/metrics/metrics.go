// Package metrics holds the prometheus collectors for the session core.
// Everything registers on the default registry; sessiond exposes it via
// promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnState mirrors the relay connection state:
	// 0 disconnected, 1 connecting, 2 connected.
	ConnState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "connection_state",
		Help:      "Current relay connection state (0 disconnected, 1 connecting, 2 connected)",
	})

	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "connect_failures_total",
		Help:      "Failed relay connection attempts, auth rejections included",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts issued by the supervisor",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "frames_received_total",
		Help:      "Inbound frames by type",
	}, []string{"type"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "frames_sent_total",
		Help:      "Outbound frames by type",
	}, []string{"type"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped as malformed or unroutable",
	})

	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "call",
		Name:      "calls_started_total",
		Help:      "Calls entering an active state, by direction",
	}, []string{"direction"})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Subsystem: "call",
		Name:      "calls_ended_total",
		Help:      "Calls reaching the terminal state, by reason",
	}, []string{"reason"})

	UnreadMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore",
		Subsystem: "inbox",
		Name:      "unread_messages",
		Help:      "Content frames delivered and not yet acknowledged",
	})
)
