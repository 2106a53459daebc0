// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// TradesTotal counts committed share trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_trades_total",
		Help: "Total number of share trades executed",
	}, []string{"side"})

	// TradeLatency tracks the duration of the trade transaction.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TokenVolume tracks cumulative tokens exchanged, by side.
	TokenVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_token_volume_total",
		Help: "Cumulative tokens exchanged for shares",
	}, []string{"side"})

	// ScoreUpdates counts oracle score writes.
	ScoreUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aura_score_updates_total",
		Help: "Total oracle score updates",
	})

	// ParlaysCreated counts parlays opened.
	ParlaysCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aura_parlays_created_total",
		Help: "Total parlays created",
	})

	// ParlaysResolved counts parlays settled, by final status.
	ParlaysResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_parlays_resolved_total",
		Help: "Total parlays resolved",
	}, []string{"status"})

	// OperationFailures counts rejected operations by error kind.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_operation_failures_total",
		Help: "Operations that failed and were rolled back",
	}, []string{"op", "kind"})

	// EventPublishFailures counts events a sink failed to accept.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_event_publish_failures_total",
		Help: "Events dropped by an outbound sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern, so /parlays/{id} is one
// label rather than one per parlay.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
