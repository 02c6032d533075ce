// Package metrics provides Prometheus instrumentation for the momentum engine.
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
	// EventsIngested counts accepted match events by kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_events_ingested_total",
		Help: "Total number of match events accepted by the ingestor",
	}, []string{"kind"})

	// EventsRejected counts dropped events by reason (malformed, out_of_order,
	// match_ended).
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_events_rejected_total",
		Help: "Total number of match events rejected by the ingestor",
	}, []string{"reason"})

	// SamplesEmitted counts momentum samples produced by the calculator.
	SamplesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_samples_emitted_total",
		Help: "Total number of momentum samples emitted",
	})

	// MomentumIndex tracks the latest index per match.
	MomentumIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "momentum_index",
		Help: "Latest momentum index per match",
	}, []string{"match_id"})

	// IndexJumps counts consecutive samples whose index moved more than the
	// configured alert threshold.
	IndexJumps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_index_jumps_total",
		Help: "Momentum index moves above the jump alert threshold",
	})

	// LiveMatches tracks matches with calculator state.
	LiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "momentum_live_matches",
		Help: "Number of matches with live calculator state",
	})

	// TickDuration tracks how long one calculator tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "momentum_tick_duration_seconds",
		Help:    "Duration of one calculator tick across all matches",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// Subscribers tracks open broadcast subscriptions.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "momentum_subscribers",
		Help: "Number of open momentum subscriptions",
	})

	// BroadcastDrops counts samples dropped from full subscriber queues.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_broadcast_drops_total",
		Help: "Samples dropped because a subscriber queue was full",
	})

	// PositionsOpened counts opened positions by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionRejections counts open requests rejected, by reason.
	PositionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_position_rejections_total",
		Help: "Open position requests rejected",
	}, []string{"reason"})

	// PositionsSettled counts settled positions by outcome (win, loss, flat).
	PositionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_positions_settled_total",
		Help: "Total number of positions settled",
	}, []string{"outcome"})

	// PositionsCancelled counts cancelled positions.
	PositionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_positions_cancelled_total",
		Help: "Total number of positions cancelled",
	})

	// StaleSettlements counts settlements that fell back to the last known index.
	StaleSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_stale_settlements_total",
		Help: "Settlements made with a stale index after the staleness budget",
	})

	// PayoutFailures counts positions flagged for reconciliation.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momentum_payout_failures_total",
		Help: "Payout instructions rejected by the settlement collaborator",
	})

	// SettlementLag tracks how late settlement ran relative to the deadline.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "momentum_settlement_lag_seconds",
		Help:    "Delay between a position deadline and its settlement",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// PendingSettlements tracks positions waiting in the scheduler.
	PendingSettlements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "momentum_pending_settlements",
		Help: "Positions waiting for their settlement deadline",
	})

	// ReconciliationPending tracks settled-but-unpaid positions.
	ReconciliationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "momentum_reconciliation_pending",
		Help: "Positions with a pinned result whose payout has not gone out",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momentum_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "momentum_http_request_duration_seconds",
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

		// Route pattern keeps match and position ids out of the label set.
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
