// Package metrics provides Prometheus instrumentation for the chat session
// client. It exposes a gauge for the transport state, counters for frame and
// message throughput, and histograms for REST latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the transport state as its numeric value
	// (0 closed, 1 connecting, 2 open, 3 reconnecting, 4 failed).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsession_connection_state",
		Help: "Current transport connection state",
	})

	// FramesTotal counts realtime frames, labeled by direction: "in" or "out".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_frames_total",
		Help: "Total number of realtime frames",
	}, []string{"direction"})

	// ReconnectAttempts counts reconnect dials, labeled by result: "ok" or "failed".
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	}, []string{"result"})

	// DecodeErrors counts dropped inbound frames, labeled by offending field.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_decode_errors_total",
		Help: "Total number of malformed inbound frames dropped",
	}, []string{"field"})

	// LiveMessages counts routed chat events, labeled by outcome:
	// "applied", "duplicate" or "unread".
	LiveMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_live_messages_total",
		Help: "Total number of live chat events routed",
	}, []string{"outcome"})

	// HistoryFetchDuration records conversation history fetch latency.
	HistoryFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsession_history_fetch_duration_seconds",
		Help:    "Conversation history fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// HistoryFetches counts history fetches, labeled by result:
	// "ok", "error" or "superseded".
	HistoryFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_history_fetches_total",
		Help: "Total number of conversation history fetches",
	}, []string{"result"})

	// MessagesSent counts outbound chat messages, labeled by path ("live" or
	// "rest") and result ("ok" or "error").
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_messages_sent_total",
		Help: "Total number of outbound chat messages",
	}, []string{"path", "result"})

	// Notifications counts newly observed notifications, labeled by source:
	// "push" or "poll".
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsession_notifications_total",
		Help: "Total number of notifications received",
	}, []string{"source"})

	// NotificationAckFailures counts read acknowledgements that were rolled back.
	NotificationAckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsession_notification_ack_failures_total",
		Help: "Total number of failed notification read acknowledgements",
	})

	// UnreadNotifications tracks the current unread notification count.
	UnreadNotifications = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsession_unread_notifications",
		Help: "Current number of unread notifications",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		FramesTotal,
		ReconnectAttempts,
		DecodeErrors,
		LiveMessages,
		HistoryFetchDuration,
		HistoryFetches,
		MessagesSent,
		Notifications,
		NotificationAckFailures,
		UnreadNotifications,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
