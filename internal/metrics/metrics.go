// Package metrics provides Prometheus instrumentation for the Parley chat
// server: connection and presence gauges, event counters, and latency
// histograms for the HTTP API and the message store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the size of the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current number of users bound to a connection",
	})

	// ActiveRooms tracks rooms with at least one local member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Current number of rooms with a local member",
	})

	// EventsTotal counts relayed events by type: "receive-message",
	// "message-sent", "message-seen", "typing", "online-users".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_total",
		Help: "Total number of events relayed to room members",
	}, []string{"type"})

	// BroadcastFailures counts sends to a connection that failed.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcast_failures_total",
		Help: "Total number of failed sends to a connection",
	})

	// RateLimited counts rejected actions by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_rate_limited_total",
		Help: "Total number of actions rejected by the rate limiter",
	}, []string{"rule"})

	// MessageLatency records socket event processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_message_latency_seconds",
		Help:    "Socket event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StoreLatency records message store operations by operation name.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_store_latency_seconds",
		Help:    "Message store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"route", "method", "status"})

	// HTTPDuration records API request latency by route pattern.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActiveRooms,
		EventsTotal,
		BroadcastFailures,
		RateLimited,
		MessageLatency,
		StoreLatency,
		HTTPRequests,
		HTTPDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStore records the duration of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
