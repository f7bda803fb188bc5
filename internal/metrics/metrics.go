package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bot collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	equity         *prometheus.GaugeVec
	cash           *prometheus.GaugeVec
	regime         *prometheus.GaugeVec
	openDeals      *prometheus.GaugeVec
	dealsOpened    *prometheus.CounterVec
	dealsClosed    *prometheus.CounterVec
	realizedPnL    *prometheus.GaugeVec
	safetyFills    *prometheus.CounterVec
	gatewayErrors  *prometheus.CounterVec
	halted         *prometheus.GaugeVec
	portfolioEq    prometheus.Gauge
	portfolioSlots *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_equity", Help: "Mark-to-market equity per instrument"},
			[]string{"symbol"},
		),
		cash: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_cash", Help: "Uncommitted cash per instrument"},
			[]string{"symbol"},
		),
		regime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_regime", Help: "Current regime code per instrument"},
			[]string{"symbol"},
		),
		openDeals: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_open_deals", Help: "Open deals"},
			[]string{"symbol", "direction"},
		),
		dealsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "regimebot_deals_opened_total", Help: "Deals opened"},
			[]string{"symbol", "direction"},
		),
		dealsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "regimebot_deals_closed_total", Help: "Deals closed"},
			[]string{"symbol", "direction", "reason"},
		),
		realizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_realized_pnl", Help: "Cumulative realized PnL"},
			[]string{"symbol"},
		),
		safetyFills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "regimebot_safety_fills_total", Help: "Safety orders filled"},
			[]string{"symbol", "direction"},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "regimebot_gateway_errors_total", Help: "Failed exchange calls after retries"},
			[]string{"symbol"},
		),
		halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_halted", Help: "1 when opening is halted or paused"},
			[]string{"symbol"},
		),
		portfolioEq: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "regimebot_portfolio_equity", Help: "Total portfolio equity"},
		),
		portfolioSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "regimebot_portfolio_slots", Help: "Portfolio slots by status"},
			[]string{"status"},
		),
	}
	m.registry.MustRegister(
		m.equity, m.cash, m.regime, m.openDeals, m.dealsOpened, m.dealsClosed,
		m.realizedPnL, m.safetyFills, m.gatewayErrors, m.halted, m.portfolioEq, m.portfolioSlots,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetEquity(symbol string, equity, cash float64) {
	if m == nil {
		return
	}
	m.equity.WithLabelValues(symbol).Set(equity)
	m.cash.WithLabelValues(symbol).Set(cash)
}

func (m *Metrics) SetRegime(symbol string, code uint8) {
	if m == nil {
		return
	}
	m.regime.WithLabelValues(symbol).Set(float64(code))
}

func (m *Metrics) SetOpenDeals(symbol, direction string, n int) {
	if m == nil {
		return
	}
	m.openDeals.WithLabelValues(symbol, direction).Set(float64(n))
}

func (m *Metrics) DealOpened(symbol, direction string) {
	if m == nil {
		return
	}
	m.dealsOpened.WithLabelValues(symbol, direction).Inc()
}

func (m *Metrics) DealClosed(symbol, direction, reason string, pnl float64) {
	if m == nil {
		return
	}
	m.dealsClosed.WithLabelValues(symbol, direction, reason).Inc()
	m.realizedPnL.WithLabelValues(symbol).Add(pnl)
}

func (m *Metrics) SafetyFilled(symbol, direction string) {
	if m == nil {
		return
	}
	m.safetyFills.WithLabelValues(symbol, direction).Inc()
}

func (m *Metrics) GatewayError(symbol string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(symbol).Inc()
}

func (m *Metrics) SetHalted(symbol string, halted bool) {
	if m == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	m.halted.WithLabelValues(symbol).Set(v)
}

func (m *Metrics) SetPortfolio(equity float64, active, windingDown int) {
	if m == nil {
		return
	}
	m.portfolioEq.Set(equity)
	m.portfolioSlots.WithLabelValues("active").Set(float64(active))
	m.portfolioSlots.WithLabelValues("winding_down").Set(float64(windingDown))
}
