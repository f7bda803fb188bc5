package engine

import (
	"context"
	"errors"

	"regimebot/internal/models"
	"regimebot/internal/regime"
)

type Result struct {
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Profile        string         `json:"profile"`
	Bars           int            `json:"bars"`
	StartEquity    float64        `json:"start_equity"`
	FinalEquity    float64        `json:"final_equity"`
	ProfitPct      float64        `json:"profit_pct"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	Deals          int            `json:"deals"`
	Wins           int            `json:"wins"`
	WinRatePct     float64        `json:"win_rate_pct"`
	ProfitFactor   float64        `json:"profit_factor"`
	SafetyFills    int            `json:"safety_fills"`
	OpenDeals      int            `json:"open_deals"`
	Halted         bool           `json:"halted"`
	HaltReason     string         `json:"halt_reason,omitempty"`
	Regimes        map[string]int `json:"regimes"`
}

// Readings classifies bars the way a live engine would see them: bars
// before the classifier's minimum window read as UNKNOWN.
func (e *Engine) Readings(bars []models.Bar) []regime.Reading {
	readings := e.classifier.Analyze(bars, e.cfg.Timeframe)
	for i := range readings {
		if i+1 < regime.MinBars {
			readings[i].Regime = models.RegimeUnknown
			readings[i].Bullish = true
			readings[i].ATRPct = regime.DefaultATRPct
		}
	}
	return readings
}

// Backtest steps the engine over every bar in order. Open deals are left
// open and marked at the last close.
func (e *Engine) Backtest(ctx context.Context, bars []models.Bar) (Result, error) {
	if e.cfg.Mode != ModeBacktest {
		return Result{}, errors.New("Backtest доступен только в режиме backtest")
	}
	bars = models.DedupBars(bars)
	start := e.currentEquity()
	for i, r := range e.Readings(bars) {
		if i%1000 == 0 && ctx.Err() != nil {
			return e.Result(start, i), ctx.Err()
		}
		if err := e.Step(ctx, r); err != nil {
			return e.Result(start, i), err
		}
	}
	res := e.Result(start, len(bars))
	e.logEntry().WithFields(map[string]interface{}{
		"bars":         res.Bars,
		"deals":        res.Deals,
		"profit_pct":   res.ProfitPct,
		"max_drawdown": res.MaxDrawdownPct,
		"win_rate":     res.WinRatePct,
	}).Info("Бэктест завершён.")
	return res, nil
}

func (e *Engine) Result(start float64, bars int) Result {
	final := e.currentEquity()
	s := e.st.Stats
	res := Result{
		Symbol:         e.cfg.Symbol,
		Timeframe:      string(e.cfg.Timeframe),
		Profile:        string(e.cfg.Profile.Name),
		Bars:           bars,
		StartEquity:    start,
		FinalEquity:    final,
		MaxDrawdownPct: s.MaxDrawdownPct,
		Deals:          s.Deals,
		Wins:           s.Wins,
		SafetyFills:    s.SafetyFills,
		OpenDeals:      e.st.openCount(),
		Halted:         e.st.Halted,
		HaltReason:     e.st.HaltReason,
		Regimes:        make(map[string]int, len(s.Regimes)),
	}
	for k, v := range s.Regimes {
		res.Regimes[k] = v
	}
	if start > 0 {
		res.ProfitPct = (final - start) / start * 100
	}
	if s.Deals > 0 {
		res.WinRatePct = float64(s.Wins) / float64(s.Deals) * 100
	}
	// Without losing deals the profit factor stays 0.
	if s.GrossLoss > 0 {
		res.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	return res
}
