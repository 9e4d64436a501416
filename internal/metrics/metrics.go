// Package metrics provides Prometheus instrumentation for the collaboration
// gateway. It exposes gauges for connection and viewer counts, counters for
// message and notification throughput, and histograms for delivery fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helpdesk_gateway_connections",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts message:send outcomes, labeled by result:
	// "delivered", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_gateway_messages_total",
		Help: "Total number of message:send commands processed",
	}, []string{"result"})

	// BroadcastFanout records how many connections each room broadcast
	// reached.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "helpdesk_gateway_broadcast_fanout",
		Help:    "Number of connections reached per room broadcast",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// PresenceUpdatesTotal counts accepted presence:update commands by status.
	PresenceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_gateway_presence_updates_total",
		Help: "Total number of accepted presence updates",
	}, []string{"status"})

	// NotificationsTotal counts side-effect notifications dispatched to the
	// email worker, labeled by kind: "first_response", "agent_reply",
	// "customer_reply".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_gateway_notifications_total",
		Help: "Total number of notification dispatches",
	}, []string{"kind"})

	// TicketViewers tracks the current number of (ticket, connection) viewer
	// entries.
	TicketViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helpdesk_gateway_ticket_viewers",
		Help: "Current number of ticket viewer entries",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		BroadcastFanout,
		PresenceUpdatesTotal,
		NotificationsTotal,
		TicketViewers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
