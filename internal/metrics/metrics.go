// Package metrics provides Prometheus instrumentation for duochat. It exposes
// gauges for queue depth, live connections and active sessions, counters for
// pairing and relay throughput, and a histogram for queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live gateway connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_connections_total",
		Help: "Current number of live push gateway connections",
	})

	// MatchQueueSize tracks the current number of users holding a wait ticket.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_match_queue_size",
		Help: "Current number of users waiting for a partner",
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MatchRequests counts match requests by outcome:
	// "matched", "waiting", "existing" or "error".
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_match_requests_total",
		Help: "Match requests by outcome",
	}, []string{"outcome"})

	// MatchWait records how long the responder waited in the queue before pairing.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duochat_match_wait_seconds",
		Help:    "Time a ticket spent queued before being paired",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 30, 60},
	})

	// SessionsClosed counts closed sessions by reason.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_sessions_closed_total",
		Help: "Closed chat sessions by reason",
	}, []string{"reason"})

	// EventsPublished counts notification bus publishes by event and result
	// ("ok" or "failed").
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_events_published_total",
		Help: "Notification bus publishes by event name and result",
	}, []string{"event", "result"})

	// TicketsEvicted counts wait tickets removed by the cleanup loop.
	TicketsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_tickets_evicted_total",
		Help: "Wait tickets evicted because their user was no longer live",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchQueueSize,
		ActiveSessions,
		MatchRequests,
		MatchWait,
		SessionsClosed,
		EventsPublished,
		TicketsEvicted,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
