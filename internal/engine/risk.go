package engine

import (
	"context"
	"fmt"
	"time"

	"regimebot/internal/notify"
)

// equityAt is cash plus the mark-to-market value of open deals.
func (e *Engine) equityAt(price float64) float64 {
	eq := e.st.Cash
	for _, dir := range directions {
		if d := e.st.Open[dir]; d != nil && d.IsOpen() {
			eq += d.Value(price)
		}
	}
	return eq
}

func (e *Engine) markToMarket(at time.Time, price float64) {
	eq := e.equityAt(price)

	day := at.UTC().Format(time.DateOnly)
	if day != e.st.Day {
		if e.st.Day != "" && e.cfg.Mode != ModeBacktest {
			e.dailySummary(e.st.Day, e.st.DayStart, eq)
		}
		e.st.Day = day
		e.st.DayStart = eq
	}

	if eq > e.st.Peak {
		e.st.Peak = eq
	}
	if dd := e.drawdownPct(eq); dd > e.st.Stats.MaxDrawdownPct {
		e.st.Stats.MaxDrawdownPct = dd
	}

	e.st.Equity = append(e.st.Equity, EquityPoint{Time: at, Equity: eq, Cash: e.st.Cash})
	if limit := e.cfg.EquityPoints; limit > 0 && len(e.st.Equity) > limit {
		e.st.Equity = append([]EquityPoint(nil), e.st.Equity[len(e.st.Equity)-limit:]...)
	}

	e.metrics.SetEquity(e.cfg.Symbol, eq, e.st.Cash)
	for _, dir := range directions {
		n := 0
		if d := e.st.Open[dir]; d != nil && d.IsOpen() {
			n = 1
		}
		e.metrics.SetOpenDeals(e.cfg.Symbol, string(dir), n)
	}
}

func (e *Engine) currentEquity() float64 {
	if n := len(e.st.Equity); n > 0 {
		return e.st.Equity[n-1].Equity
	}
	return e.st.Cash
}

func (e *Engine) drawdownPct(eq float64) float64 {
	if e.st.Peak <= 0 || eq >= e.st.Peak {
		return 0
	}
	return (e.st.Peak - eq) / e.st.Peak * 100
}

// checkRisk runs the drawdown breaker and the daily loss pause. The
// breaker is permanent; the pause expires on its own.
func (e *Engine) checkRisk(ctx context.Context, at time.Time) {
	eq := e.currentEquity()

	if e.cfg.MaxDrawdownPct > 0 && !e.st.Halted {
		if dd := e.drawdownPct(eq); dd >= e.cfg.MaxDrawdownPct {
			e.halt(ctx, fmt.Sprintf("просадка %.2f%% от пика %.2f", dd, e.st.Peak), notify.KindCircuitBreaker)
		}
	}

	if e.cfg.DailyLossPct > 0 && e.st.DayStart > 0 && !at.Before(e.st.PausedUntil) {
		loss := (e.st.DayStart - eq) / e.st.DayStart * 100
		if loss > e.cfg.DailyLossPct {
			e.st.PausedUntil = at.Add(e.cfg.DailyPause)
			fields := map[string]interface{}{
				"loss_pct":  loss,
				"day_start": e.st.DayStart,
				"equity":    eq,
				"until":     e.st.PausedUntil,
			}
			e.logEntry().WithFields(fields).Warn("Дневной лимит убытка превышен, открытие сделок приостановлено.")
			e.send(notify.KindDailyPause, "Дневная пауза",
				fmt.Sprintf("%s: убыток за день %.2f%%, пауза до %s", e.cfg.Symbol, loss, e.st.PausedUntil.UTC().Format(time.RFC3339)), fields)
		}
	}
}

// halt stops new openings for good. Open deals keep being managed.
func (e *Engine) halt(ctx context.Context, reason string, kind notify.Kind) {
	if e.st.Halted {
		return
	}
	e.st.Halted = true
	e.st.HaltReason = reason
	e.metrics.SetHalted(e.cfg.Symbol, true)
	e.logEntry().WithField("reason", reason).Error("Открытие сделок остановлено.")
	e.send(kind, "Торговля остановлена", fmt.Sprintf("%s: %s", e.cfg.Symbol, reason), map[string]interface{}{
		"equity": e.currentEquity(),
		"peak":   e.st.Peak,
	})
	if err := e.Persist(ctx); err != nil {
		e.logEntry().WithError(err).Warn("Не удалось сохранить снимок после остановки.")
	}
}

// Halt is the external kill switch.
func (e *Engine) Halt(ctx context.Context, reason string) {
	e.halt(ctx, reason, notify.KindKillSwitch)
	e.publish()
}

func (e *Engine) dailySummary(day string, start, end float64) {
	if e.st.SummaryDay == day {
		return
	}
	e.st.SummaryDay = day
	change := 0.0
	if start > 0 {
		change = (end - start) / start * 100
	}
	fields := map[string]interface{}{
		"day":        day,
		"start":      start,
		"end":        end,
		"change_pct": change,
		"deals":      e.st.Stats.Deals,
		"open":       e.st.openCount(),
		"regime":     e.st.Reading.Regime.String(),
	}
	e.logEntry().WithFields(fields).Info("Итоги дня.")
	e.send(notify.KindDailySummary, "Итоги дня",
		fmt.Sprintf("%s %s: %.2f → %.2f (%+.2f%%)", e.cfg.Symbol, day, start, end, change), fields)
}
