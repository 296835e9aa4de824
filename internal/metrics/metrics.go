// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// ResolverPasses counts resolution passes by result (idle, ok, error).
	ResolverPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_resolver_passes_total",
		Help: "Total number of resolution passes",
	}, []string{"result"})

	// ResolverPassDuration tracks how long a non-idle pass takes.
	ResolverPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_resolver_pass_duration_seconds",
		Help:    "Resolution pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// MarketsResolved counts markets settled, by source and mode (auto, manual).
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_markets_resolved_total",
		Help: "Markets settled by the resolver",
	}, []string{"source", "mode"})

	// BetsSettled counts settled bets by kind (real, paper, meta) and result.
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_bets_settled_total",
		Help: "Bets settled",
	}, []string{"kind", "result"})

	// RealPayoutCents is the cumulative real-money payout passed to the ledger.
	RealPayoutCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_real_payout_cents_total",
		Help: "Cumulative real-money payout in cents",
	})

	// ExchangeErrors counts failed market fetches per source.
	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_exchange_errors_total",
		Help: "Failed exchange market fetches",
	}, []string{"source"})

	// MetaMarketBets counts meta-market bet attempts by outcome (accepted or a rejection reason).
	MetaMarketBets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_meta_market_bets_total",
		Help: "Meta-market bet attempts",
	}, []string{"result"})

	// VirtualBets counts bets placed into virtual portfolios.
	VirtualBets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_virtual_bets_total",
		Help: "Bets placed into virtual portfolios",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
