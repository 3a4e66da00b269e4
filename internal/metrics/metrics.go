// Package metrics provides Prometheus instrumentation for the fight engine.
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
	// TradesRecorded counts fills recorded into fight ledgers, by side.
	TradesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenax_trades_recorded_total",
		Help: "Total number of trades recorded",
	}, []string{"side"})

	// StakeLimitRejections counts orders rejected by the capital ceiling.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arenax_stake_limit_rejections_total",
		Help: "Orders rejected by the stake ceiling",
	})

	// SettlementsTotal counts settled fights by final status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenax_settlements_total",
		Help: "Settled fights by final status",
	}, []string{"status"})

	// RuleOutcomesTotal counts fairness verdicts by rule and outcome.
	RuleOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenax_rule_outcomes_total",
		Help: "Fairness rule verdicts by rule and outcome",
	}, []string{"rule", "outcome"})

	// MatchmakingBlocks counts pairings refused by the matchmaking guard.
	MatchmakingBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arenax_matchmaking_blocks_total",
		Help: "Pairings refused by the matchmaking guard",
	})

	// LiveFights tracks fights currently in progress.
	LiveFights = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arenax_live_fights",
		Help: "Number of fights currently live",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arenax_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenax_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arenax_http_request_duration_seconds",
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

		// Label with the matched route pattern, not the raw path: per-ID
		// paths would blow up label cardinality. The pattern is only known
		// after routing, so it is read once the handler returns.
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
