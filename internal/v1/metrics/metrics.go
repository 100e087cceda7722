package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: session, room, message, ratelimit
//
// Metric Types:
// - Gauge: current state (sessions, rooms, watcher subscriptions)
// - Counter: cumulative events (messages, drops, rejections)

var (
	// ActiveSessions tracks live sessions per transport ("websocket"/"sse").
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of registered sessions per transport",
	}, []string{"transport"})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms with at least one participant",
	})

	// WatcherSubscriptions tracks the total number of (session, room)
	// watch subscriptions.
	WatcherSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "watcher_subscriptions",
		Help:      "Current number of occupancy-watch subscriptions",
	})

	// MessagesReceived counts inbound protocol messages by type and outcome.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "message",
		Name:      "received_total",
		Help:      "Inbound protocol messages by type and status",
	}, []string{"type", "status"})

	// MessagesSent counts outbound protocol messages by type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "message",
		Name:      "sent_total",
		Help:      "Outbound protocol messages enqueued, by type",
	}, []string{"type"})

	// QueueDrops counts messages dropped because a session queue was full
	// or closed.
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "message",
		Name:      "queue_drops_total",
		Help:      "Messages dropped due to a full or closed session queue",
	})

	// RateLimitRejected counts requests rejected by the per-IP limiter.
	RateLimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the per-IP rate limiter",
	}, []string{"entry"})

	// GhostEvictions counts reconnect evictions of stale participants.
	GhostEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "ghost_evictions_total",
		Help:      "Participants evicted by a reconnecting client reusing their cid",
	})
)
