// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connections, rooms and online users, counters for frame
// throughput and delivery faults, and histograms for scheduler cycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of non-empty signaling rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Current number of non-empty signaling rooms",
	})

	// OnlineUsers tracks the number of users attached to the chat directory.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users with an attached chat session",
	})

	// FramesReceived counts inbound frames, labeled by endpoint and outcome.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Total number of inbound frames processed",
	}, []string{"endpoint", "outcome"}) // endpoint = "signaling" | "chat", outcome = "handled" | "dropped"

	// FramesDropped counts outbound frames discarded because a connection's
	// send queue was full or already closed.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Outbound frames dropped on backpressure or closed connections",
	})

	// DeliveryFailures counts outbound writes that failed on the wire.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Outbound frame writes that failed",
	})

	// MessagesPersisted counts chat messages durably recorded, labeled by
	// kind: "channel", "dm", "thread" or "scheduled".
	MessagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_persisted_total",
		Help: "Total number of chat messages persisted",
	}, []string{"kind"})

	// SchedulerCycleDuration records how long each scheduled-delivery cycle takes.
	SchedulerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_scheduler_cycle_seconds",
		Help:    "Duration of scheduled-delivery cycles in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ScheduledDelivered counts scheduled messages delivered, labeled by
	// result: "delivered" or "failed".
	ScheduledDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_scheduled_messages_total",
		Help: "Scheduled messages processed by the delivery loop",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		OnlineUsers,
		FramesReceived,
		FramesDropped,
		DeliveryFailures,
		MessagesPersisted,
		SchedulerCycleDuration,
		ScheduledDelivered,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
