// Package metrics holds the Prometheus collectors shared by adapters and the
// session. They register with the default registry and are served by the
// health server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_messages_delivered_total",
			Help: "Messages handed to the consumer",
		},
		[]string{"platform"},
	)

	MessagesMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_messages_malformed_total",
			Help: "Raw events or frames skipped because they could not be decoded or normalized",
		},
		[]string{"platform"},
	)

	MessagesDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_messages_duplicate_total",
			Help: "Messages dropped because their ID was already delivered",
		},
		[]string{"platform"},
	)

	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatstream_session_state",
			Help: "Current session state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
		},
		[]string{"platform"},
	)

	// Connection metrics
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_reconnect_attempts_total",
			Help: "Reconnection attempts by persistent-connection adapters",
		},
		[]string{"platform"},
	)

	KeepAliveMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_keepalive_misses_total",
			Help: "Keep-alive periods that passed without any inbound data after a ping",
		},
		[]string{"platform"},
	)

	// Poll metrics
	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_poll_requests_total",
			Help: "Poll requests by result",
		},
		[]string{"result"}, // "ok", "rate_limited", "ended", "error"
	)
)
