// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReservationsCreated counts new reservations by source ("direct" or
	// "contract").
	ReservationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiomkt_reservations_created_total",
		Help: "Total number of reservations created",
	}, []string{"source"})

	// ReservationTransitions counts status changes.
	ReservationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiomkt_reservation_transitions_total",
		Help: "Reservation status transitions",
	}, []string{"from", "to"})

	// ReservationConflicts counts transitions rejected because the
	// reservation was not in a legal source state.
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiomkt_reservation_conflicts_total",
		Help: "Reservation transitions rejected with a state conflict",
	})

	// ContractConditions counts processed contract conditions by outcome
	// (matched, already_linked, external_partner, payment, ...).
	ContractConditions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiomkt_contract_conditions_total",
		Help: "Contract conditions processed by sync outcome",
	}, []string{"outcome"})

	// ContractSyncDuration tracks how long one sync call takes.
	ContractSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fiomkt_contract_sync_duration_seconds",
		Help:    "Contract sync duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ContractSyncErrors counts recovered per-record sync errors.
	ContractSyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiomkt_contract_sync_errors_total",
		Help: "External records skipped because of processing errors",
	})

	// PriceLookups counts effective price lookups by result (exact,
	// fallback, not_found).
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiomkt_price_lookups_total",
		Help: "Effective price lookups by result",
	}, []string{"result"})

	// NotificationClients tracks connected WebSocket clients.
	NotificationClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiomkt_notification_clients",
		Help: "Number of connected notification WebSocket clients",
	})

	// NotificationsDropped counts notifications dropped because the push
	// buffer was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiomkt_notifications_dropped_total",
		Help: "Notifications dropped on a full buffer",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiomkt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiomkt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
