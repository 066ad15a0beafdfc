// Package metrics provides Prometheus instrumentation for the chat service:
// connection and subscription gauges, command/event throughput counters, and
// a send-latency histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// CommandsTotal counts inbound command frames by command name.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Total number of command frames processed",
	}, []string{"command"})

	// EventsPublished counts events published to the broadcast fabric by
	// response type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_published_total",
		Help: "Total number of events published to room channels",
	}, []string{"type"})

	// EventsDelivered counts events forwarded to individual sockets.
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_delivered_total",
		Help: "Total number of events forwarded to connected clients",
	})

	// ErrorsTotal counts Error events sent to clients by reason.
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_errors_total",
		Help: "Total number of Error events sent to clients",
	}, []string{"reason"})

	// SendLatency records the time from receiving a send command to publishing
	// its new_message event.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Send command processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		CommandsTotal,
		EventsPublished,
		EventsDelivered,
		ErrorsTotal,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
