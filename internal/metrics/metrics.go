// Package metrics holds the chatd Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages accepted by POST /conversations/{id}/messages, by attachment kind.",
		},
		[]string{"kind"},
	)
	MessagesDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_deduplicated_total",
			Help: "Submissions answered with an existing message for the same client_msg_id.",
		},
	)
	EventsBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_broadcast_total",
			Help: "Live events delivered to websocket subscribers.",
		},
		[]string{"event"},
	)
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections",
			Help: "Open websocket connections.",
		},
	)
	UnreadUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_unread_updates_total",
			Help: "Message events applied to unread counters.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(MessagesStored)
	prometheus.MustRegister(MessagesDeduplicated)
	prometheus.MustRegister(EventsBroadcast)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(UnreadUpdates)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
