// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts orders by type and final status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of orders processed",
	}, []string{"type", "status"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_trade_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeRejections counts orders rejected before any mutation, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_rejections_total",
		Help: "Orders rejected by validation or business rules",
	}, []string{"type", "code"})

	// Compensations counts saga compensations by outcome.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_compensations_total",
		Help: "Balance compensations applied after a failed ledger commit",
	}, []string{"type", "outcome"})

	// CharacterVolume tracks cumulative traded shares per character.
	CharacterVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_character_volume_total",
		Help: "Cumulative traded volume in shares",
	}, []string{"character_id", "type"})

	// ActiveCharacters tracks the number of tradable characters.
	ActiveCharacters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_active_characters",
		Help: "Number of currently active characters",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_events_dropped_total",
		Help: "Events dropped because the broadcast buffer was full",
	})

	ArchiveRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_archive_runs_total",
		Help: "Trade archive exports by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required for WebSocket upgrades behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
