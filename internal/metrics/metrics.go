// Package metrics provides Prometheus instrumentation for the market simulator.
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
	// TicksTotal counts scheduler ticks by outcome (ok, error).
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_ticks_total",
		Help: "Scheduler ticks by outcome",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "market_sim_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AssetPrice, AssetVolatility and LiquidityPressure are refreshed after every tick.
	AssetPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_sim_asset_price",
		Help: "Current asset price",
	}, []string{"coin"})

	AssetVolatility = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_sim_asset_volatility",
		Help: "Current asset volatility",
	}, []string{"coin"})

	LiquidityPressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "market_sim_liquidity_pressure",
		Help: "Current liquidity pressure per asset",
	}, []string{"coin"})

	// TradesTotal counts immediate spot trades by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_trades_total",
		Help: "Immediate spot trades executed",
	}, []string{"side"})

	// OrdersTotal counts limit order transitions by result (placed, filled,
	// expired, discarded, cancelled).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_orders_total",
		Help: "Limit order transitions",
	}, []string{"result"})

	// PositionsTotal counts contract transitions by event (opened, closed, liquidated).
	PositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_positions_total",
		Help: "Leveraged position transitions",
	}, []string{"event"})

	// PositionLimitRejections counts opens rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_sim_position_limit_rejections_total",
		Help: "Position opens rejected by the position limiter",
	})

	FundingPayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_funding_payments_total",
		Help: "Funding transfers by flow",
	}, []string{"flow"})

	// RandomEvents counts applied random events by direction (up, down).
	RandomEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_random_events_total",
		Help: "Random market events applied",
	}, []string{"direction"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_store_errors_total",
		Help: "Failed store calls by operation",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_sim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_sim_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
