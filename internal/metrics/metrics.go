// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine records into.
type Metrics struct {
	RebalanceDuration  *prometheus.HistogramVec
	RebalancePromoted  *prometheus.CounterVec
	RebalanceEvicted   *prometheus.CounterVec
	OrderFailures      *prometheus.CounterVec
	RateLimitTimeouts  *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	FillEventsConsumed *prometheus.CounterVec
	ClaimsReleased     prometheus.Counter
}

// New registers the engine collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RebalanceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ordergate",
			Name:      "rebalance_duration_seconds",
			Help:      "Duration of one partition rebalance pass.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, .8, 1.5, 3},
		}, []string{"venue"}),
		RebalancePromoted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "rebalance_promoted_total",
			Help:      "Orders promoted to the venue by rebalancing.",
		}, []string{"venue"}),
		RebalanceEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "rebalance_evicted_total",
			Help:      "Active orders evicted (cancelled and requeued) by rebalancing.",
		}, []string{"venue"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "order_failures_total",
			Help:      "Per-order promotion failures by class.",
		}, []string{"venue", "class"}),
		RateLimitTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "ratelimit_timeouts_total",
			Help:      "AcquireSlot calls that hit the hard wait ceiling.",
		}, []string{"venue", "class"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ordergate",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per venue (0 closed, 1 open).",
		}, []string{"venue"}),
		FillEventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "fill_events_total",
			Help:      "Push events consumed by the fill monitor.",
		}, []string{"venue"}),
		ClaimsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ordergate",
			Name:      "stale_claims_released_total",
			Help:      "Stale fill-monitor claims released by the sweeper.",
		}),
	}
}
