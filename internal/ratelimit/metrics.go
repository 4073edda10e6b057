package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the admission layer.
type Metrics struct {
	checks           *prometheus.CounterVec
	violations       *prometheus.CounterVec
	tierFailures     *prometheus.CounterVec
	strategy         *prometheus.GaugeVec
	checkDuration    *prometheus.HistogramVec
	analyticsFlushes prometheus.Counter
}

// NewMetrics registers and returns the admission-layer collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_checks_total",
				Help: "Total admission checks by endpoint, source and result",
			},
			[]string{"endpoint", "source", "result"},
		),
		violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_violations_total",
				Help: "Total rate limit violations by endpoint",
			},
			[]string{"endpoint"},
		),
		tierFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tier_failures_total",
				Help: "Storage tier failures observed by the health monitor",
			},
			[]string{"component"},
		),
		strategy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_active_strategy",
				Help: "Currently selected admission strategy (1 = active)",
			},
			[]string{"strategy"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ratelimit_check_duration_seconds",
				Help:    "Admission check latency by source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		analyticsFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_analytics_flushes_total",
				Help: "Analytics batches flushed to the archive tier",
			},
		),
	}
}

func (m *Metrics) observeCheck(endpoint, source string, limited bool, seconds float64) {
	if m == nil {
		return
	}
	result := "allowed"
	if limited {
		result = "limited"
		m.violations.WithLabelValues(endpoint).Inc()
	}
	m.checks.WithLabelValues(endpoint, source, result).Inc()
	m.checkDuration.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) observeTierFailure(component string) {
	if m == nil {
		return
	}
	m.tierFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) observeStrategy(active Strategy) {
	if m == nil {
		return
	}
	for _, s := range []Strategy{StrategyFull, StrategyLedgerOnly, StrategyCacheOnly, StrategyMemoryOnly} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.strategy.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) observeFlush() {
	if m == nil {
		return
	}
	m.analyticsFlushes.Inc()
}
