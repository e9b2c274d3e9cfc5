// Package metrics provides Prometheus instrumentation for the lifecycle engine.
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
	// SignalsTotal counts signal decisions, partitioned by outcome and reason.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_signals_total",
		Help: "Signals processed by outcome and rejection reason",
	}, []string{"outcome", "reason"})

	// DegradedDecisions counts signal decisions made on a degraded sentiment reading.
	DegradedDecisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_degraded_decisions_total",
		Help: "Signal decisions taken while sentiment was degraded",
	})

	// OrderLatency tracks exchange placement/close latency by operation.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifecycle_order_latency_seconds",
		Help:    "Exchange call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActivePositions tracks positions in OPENED or MONITORING.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_active_positions",
		Help: "Number of positions currently opened or monitored",
	})

	// PositionsClosed counts closed positions by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_positions_closed_total",
		Help: "Positions settled and closed, by close reason",
	}, []string{"reason"})

	// SettlementRetries counts failed settlement attempts that will be retried.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_settlement_retries_total",
		Help: "Settlement attempts that failed and were scheduled for retry",
	})

	// LedgerAmount accumulates ledger amounts by entry type and channel.
	LedgerAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_ledger_amount_total",
		Help: "Cumulative non-negative ledger amounts by entry type and revenue channel",
	}, []string{"type", "channel"})

	// PriceFeedErrors counts transient price feed failures seen by the monitor.
	PriceFeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_price_feed_errors_total",
		Help: "Price feed errors during monitor sweeps",
	}, []string{"symbol"})

	// MonitorSweepDuration tracks how long one monitor tick takes.
	MonitorSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_monitor_sweep_seconds",
		Help:    "Duration of a position monitor sweep",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// SentimentScore exposes the current sentiment score.
	SentimentScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_sentiment_score",
		Help: "Current market sentiment score (0-100)",
	})

	// SentimentDegraded is 1 while the sentiment reading is degraded.
	SentimentDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_sentiment_degraded",
		Help: "1 when the sentiment reading is degraded, else 0",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifecycle_http_request_duration_seconds",
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
