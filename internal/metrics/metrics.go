// Package metrics holds the Prometheus collectors of the exchange. Every
// method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ordersPlaced      *prometheus.CounterVec
	ordersRejected    *prometheus.CounterVec
	ordersCancelled   *prometheus.CounterVec
	matches           *prometheus.CounterVec
	noMatches         *prometheus.CounterVec
	consistencyFaults *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	scheduleFailures  prometheus.Counter
	matchDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ordersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_orders_placed_total",
			Help: "Orders accepted and reserved.",
		}, []string{"symbol", "side"}),
		ordersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_orders_rejected_total",
			Help: "Order placements refused.",
		}, []string{"reason"}),
		ordersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_orders_cancelled_total",
			Help: "Orders cancelled by their owner.",
		}, []string{"symbol"}),
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_trades_total",
			Help: "Trades settled.",
		}, []string{"symbol"}),
		noMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_match_attempts_unmatched_total",
			Help: "Match attempts that ended without a trade.",
		}, []string{"reason"}),
		consistencyFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_consistency_faults_total",
			Help: "Atomic units aborted because stored state broke an invariant.",
		}, []string{"op"}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmatch_event_publish_failures_total",
			Help: "Events that could not be handed to a publisher.",
		}, []string{"event"}),
		scheduleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "spotmatch_match_schedule_failures_total",
			Help: "Match attempts that could not be enqueued.",
		}),
		matchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spotmatch_match_duration_seconds",
			Help:    "Duration of match attempts that produced a trade.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Handler exposes everything registered with g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCancelled(symbol string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(symbol).Inc()
}

func (m *Metrics) Matched(symbol string, took time.Duration) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(symbol).Inc()
	m.matchDuration.Observe(took.Seconds())
}

func (m *Metrics) NoMatch(reason string) {
	if m == nil {
		return
	}
	m.noMatches.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConsistencyFault(op string) {
	if m == nil {
		return
	}
	m.consistencyFaults.WithLabelValues(op).Inc()
}

func (m *Metrics) PublishFailed(event string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) ScheduleFailed() {
	if m == nil {
		return
	}
	m.scheduleFailures.Inc()
}
