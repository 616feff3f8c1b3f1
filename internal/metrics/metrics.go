// Package metrics provides Prometheus metrics for the arbitrage core.
//
// Every recording method is safe on a nil *Metrics so components can be
// built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics collects and exposes arbitrage metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Matcher
	PairsTotal      *prometheus.GaugeVec
	MatcherDuration prometheus.Histogram

	// Edge / plans
	EdgeMinor    prometheus.Histogram
	PlansTotal   *prometheus.CounterVec
	SkippedPairs *prometheus.CounterVec

	// Risk
	RiskRejections *prometheus.CounterVec
	BreakerActive  *prometheus.GaugeVec
	ExposureMinor  *prometheus.GaugeVec
	DailyTurnover  prometheus.Gauge

	// Execution
	OrdersTotal *prometheus.CounterVec
	LegDuration *prometheus.HistogramVec
	UnwindTotal *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PairsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pairarb_pairs",
				Help: "Duplicate pairs by state",
			},
			[]string{"state"},
		),
		MatcherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairarb_matcher_pass_seconds",
			Help:    "Duration of one matcher pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		EdgeMinor: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairarb_net_edge_minor",
			Help:    "Net edge of evaluated quotes, minor units",
			Buckets: []float64{-500, -100, -25, 0, 5, 10, 25, 50, 100, 250, 1000},
		}),
		PlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairarb_plans_total",
				Help: "Trade plans by final decision",
			},
			[]string{"decision"},
		),
		SkippedPairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairarb_pairs_skipped_total",
				Help: "Pairs skipped during evaluation",
			},
			[]string{"reason"},
		),

		RiskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairarb_risk_rejections_total",
				Help: "Risk rejections by failed limit",
			},
			[]string{"limit"},
		),
		BreakerActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pairarb_breaker_active",
				Help: "1 while a circuit breaker halts trading",
			},
			[]string{"kind", "venue"},
		),
		ExposureMinor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pairarb_exposure_minor",
				Help: "Filled plus reserved exposure by venue",
			},
			[]string{"venue"},
		),
		DailyTurnover: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairarb_daily_turnover_minor",
			Help: "Turnover since UTC midnight",
		}),

		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairarb_orders_total",
				Help: "Orders submitted by venue, leg and result",
			},
			[]string{"venue", "leg", "result"},
		),
		LegDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairarb_leg_duration_seconds",
				Help:    "Time from leg submission to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"leg"},
		),
		UnwindTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairarb_unwinds_total",
				Help: "Unwind attempts by venue and result",
			},
			[]string{"venue", "result"},
		),
	}

	m.registry.MustRegister(
		m.PairsTotal,
		m.MatcherDuration,
		m.EdgeMinor,
		m.PlansTotal,
		m.SkippedPairs,
		m.RiskRejections,
		m.BreakerActive,
		m.ExposureMinor,
		m.DailyTurnover,
		m.OrdersTotal,
		m.LegDuration,
		m.UnwindTotal,
	)
	return m
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Helper methods for recording metrics ---

// UpdatePairs sets pair counts after a matcher pass.
func (m *Metrics) UpdatePairs(candidates, specOK, tradeable int, passSec float64) {
	if m == nil {
		return
	}
	m.PairsTotal.WithLabelValues("candidate").Set(float64(candidates))
	m.PairsTotal.WithLabelValues("spec_ok").Set(float64(specOK))
	m.PairsTotal.WithLabelValues("tradeable").Set(float64(tradeable))
	m.MatcherDuration.Observe(passSec)
}

// RecordEdge observes the net edge of a quote.
func (m *Metrics) RecordEdge(edge decimal.Decimal) {
	if m == nil {
		return
	}
	m.EdgeMinor.Observe(DecimalToFloat64(edge))
}

// RecordSkip counts a skipped pair.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.SkippedPairs.WithLabelValues(reason).Inc()
}

// RecordPlan counts a plan decision.
func (m *Metrics) RecordPlan(decision string) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(decision).Inc()
}

// RecordRejection counts a risk rejection.
func (m *Metrics) RecordRejection(limit string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(limit).Inc()
}

// SetBreaker updates one breaker gauge.
func (m *Metrics) SetBreaker(kind, venue string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.BreakerActive.WithLabelValues(kind, venue).Set(v)
}

// UpdateExposure sets venue exposure and turnover gauges.
func (m *Metrics) UpdateExposure(venue string, exposure, turnover decimal.Decimal) {
	if m == nil {
		return
	}
	m.ExposureMinor.WithLabelValues(venue).Set(DecimalToFloat64(exposure))
	m.DailyTurnover.Set(DecimalToFloat64(turnover))
}

// RecordOrder counts an order submission result.
func (m *Metrics) RecordOrder(venue, leg, result string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(venue, leg, result).Inc()
}

// RecordLeg observes a leg's duration.
func (m *Metrics) RecordLeg(leg string, sec float64) {
	if m == nil {
		return
	}
	m.LegDuration.WithLabelValues(leg).Observe(sec)
}

// RecordUnwind counts an unwind attempt.
func (m *Metrics) RecordUnwind(venue, result string) {
	if m == nil {
		return
	}
	m.UnwindTotal.WithLabelValues(venue, result).Inc()
}

// DecimalToFloat64 converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
