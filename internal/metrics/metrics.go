// Package metrics provides Prometheus instrumentation for the exchange.
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
	// OperationsTotal counts ledger operations by kind and result.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operations_total",
		Help: "Total number of exchange operations",
	}, []string{"kind", "result"})

	// OperationLatency tracks end-to-end operation latency by kind.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Operation execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OpenInterestLong tracks the aggregate size of open long positions.
	OpenInterestLong = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_interest_long",
		Help: "Aggregate size of open long positions",
	})

	// OpenInterestShort tracks the aggregate size of open short positions.
	OpenInterestShort = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_interest_short",
		Help: "Aggregate size of open short positions",
	})

	// ReservedCollateral tracks collateral locked as position margin.
	ReservedCollateral = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_reserved_collateral",
		Help: "Vault collateral reserved as position margin",
	})

	// InsuranceFund tracks the insurance fund balance.
	InsuranceFund = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_insurance_fund_balance",
		Help: "Insurance fund balance",
	})

	// CollectedFees tracks cumulative trading fees collected.
	CollectedFees = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_collected_fees",
		Help: "Cumulative trading fees collected",
	})

	// OraclePrice tracks the last posted oracle price.
	OraclePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_oracle_price",
		Help: "Last posted oracle price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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
