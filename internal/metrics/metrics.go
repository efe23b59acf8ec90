// Package metrics exposes the Prometheus counters and gauges the
// observability server serves at /metrics, built on a private
// prometheus.Registry instead of the default global one so a test process
// can construct as many independent Metrics instances as it needs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter and gauge the core reports.
type Metrics struct {
	registry *prometheus.Registry

	OrdersTotal          *prometheus.CounterVec
	BreakerTransitions   *prometheus.CounterVec
	QuoteCacheHitsTotal  *prometheus.CounterVec
	QuoteFetchTotal      *prometheus.CounterVec
	TradeRejectionsTotal *prometheus.CounterVec
	AgentRestartsTotal   *prometheus.CounterVec
	EquityUSD            prometheus.Gauge
	PrimaryHoursUsed     prometheus.Gauge
	DrawdownFraction     prometheus.Gauge
}

// New builds a Metrics registered against a fresh, private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_total",
			Help: "Orders submitted to the broker, by mode and side.",
		}, []string{"mode", "side"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by breaker name and destination state.",
		}, []string{"breaker", "to_state"}),
		QuoteCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_quote_cache_hits_total",
			Help: "Quote cache hits, by tier (fresh|stale).",
		}, []string{"tier"}),
		QuoteFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_quote_fetch_total",
			Help: "Quote provider fetch attempts, by outcome (success|failure).",
		}, []string{"outcome"}),
		TradeRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_trade_rejections_total",
			Help: "Orders rejected before submission, by reason.",
		}, []string{"reason"}),
		AgentRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_agent_restarts_total",
			Help: "Supervisor-initiated agent restarts, by agent name.",
		}, []string{"agent"}),
		EquityUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_equity_usd",
			Help: "Current cached equity in USD.",
		}),
		PrimaryHoursUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_primary_hours_used",
			Help: "Compute hours consumed against the primary-environment monthly budget.",
		}),
		DrawdownFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_drawdown_fraction",
			Help: "Current drawdown as a fraction of peak equity.",
		}),
	}

	m.registry.MustRegister(
		m.OrdersTotal,
		m.BreakerTransitions,
		m.QuoteCacheHitsTotal,
		m.QuoteFetchTotal,
		m.TradeRejectionsTotal,
		m.AgentRestartsTotal,
		m.EquityUSD,
		m.PrimaryHoursUsed,
		m.DrawdownFraction,
	)
	return m
}

// Registry returns the private prometheus.Registry backing m, for wiring
// into promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOrder increments the order counter for mode/side.
func (m *Metrics) RecordOrder(mode, side string) {
	m.OrdersTotal.WithLabelValues(mode, side).Inc()
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(breaker, toState string) {
	m.BreakerTransitions.WithLabelValues(breaker, toState).Inc()
}

// RecordQuoteCacheHit increments the cache-hit counter for tier ("fresh" or
// "stale").
func (m *Metrics) RecordQuoteCacheHit(tier string) {
	m.QuoteCacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordQuoteFetch increments the fetch-outcome counter ("success" or
// "failure").
func (m *Metrics) RecordQuoteFetch(outcome string) {
	m.QuoteFetchTotal.WithLabelValues(outcome).Inc()
}

// RecordTradeRejection increments the rejection-reason counter.
func (m *Metrics) RecordTradeRejection(reason string) {
	m.TradeRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordAgentRestart increments the restart counter for the named agent.
func (m *Metrics) RecordAgentRestart(agent string) {
	m.AgentRestartsTotal.WithLabelValues(agent).Inc()
}

// SetEquity updates the equity gauge.
func (m *Metrics) SetEquity(usd float64) {
	m.EquityUSD.Set(usd)
}

// SetPrimaryHoursUsed updates the primary-hours-used gauge.
func (m *Metrics) SetPrimaryHoursUsed(hours float64) {
	m.PrimaryHoursUsed.Set(hours)
}

// SetDrawdownFraction updates the drawdown gauge.
func (m *Metrics) SetDrawdownFraction(fraction float64) {
	m.DrawdownFraction.Set(fraction)
}
