// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesApplied counts trades accepted by the position engine.
	TradesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_trades_applied_total",
		Help: "Trades applied to positions",
	})

	// TradesRejected counts rejected trades by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optx_trades_rejected_total",
		Help: "Trades rejected, partitioned by reason",
	}, []string{"reason"})

	// Liquidations counts executed liquidations.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_liquidations_total",
		Help: "Successful partial liquidations",
	})

	// LiquidationContracts counts contracts closed by liquidation.
	LiquidationContracts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_liquidation_contracts_total",
		Help: "Contracts closed through liquidation",
	})

	// Settlements counts per-account settlements executed.
	Settlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_settlements_total",
		Help: "Per-account settlements executed",
	})

	// BadDebt accumulates settlement shortfall in base-asset units.
	BadDebt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_bad_debt_units_total",
		Help: "Cumulative settlement bad debt in settlement-asset smallest units",
	})

	// OracleFallbacks counts risk computations that degraded to the
	// conservative branch because a price read failed.
	OracleFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optx_oracle_fallbacks_total",
		Help: "Price reads that degraded to a conservative fallback",
	}, []string{"context"})

	// MarginBreaches counts operations rejected for breaching initial margin.
	MarginBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optx_margin_breaches_total",
		Help: "Operations rejected by the initial margin check",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optx_http_request_duration_seconds",
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

// Unwrap lets http.ResponseController reach the underlying writer so
// WebSocket upgrades still work through this middleware.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
