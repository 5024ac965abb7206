package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// 房间 / 连接
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_ws_connections",
			Help: "Live websocket connections",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_ws_rooms",
			Help: "Rooms with at least one live connection",
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_ws_messages_delivered_total",
			Help: "Messages handed to connection send queues",
		},
		[]string{"type"},
	)

	ConnectionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_ws_connections_evicted_total",
			Help: "Connections removed after a failed send",
		},
	)

	// 变更审批
	TrackedChangeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_tracked_change_transitions_total",
			Help: "Tracked change lifecycle transitions",
		},
		[]string{"transition"}, // created / approved / rejected / undone
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_events_dropped_total",
			Help: "Change events dropped after exhausting kafka retries",
		},
	)
)
