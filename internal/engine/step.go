package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"regimebot/internal/allocation"
	"regimebot/internal/deal"
	"regimebot/internal/models"
	"regimebot/internal/notify"
	"regimebot/internal/regime"
)

// Step processes one closed bar: allocation and adaptive retune, trigger
// checks on open deals, new openings, mark-to-market and the risk checks,
// in that order.
func (e *Engine) Step(ctx context.Context, r regime.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.st.ensureMaps()
	at := e.clock(r.Bar)

	e.st.Reading = r
	e.st.HasReading = true
	e.st.LastBar = r.Bar.Time
	e.st.Stats.Regimes[r.Regime.String()]++
	e.metrics.SetRegime(e.cfg.Symbol, uint8(r.Regime))

	split := e.policy.Allocate(r.Regime, r.Bullish)
	e.retune(ctx, r)

	e.advance(ctx, r.Bar, at)

	if reason, blocked := e.openBlocked(at); blocked {
		entry := e.logEntry().WithField("reason", reason)
		if e.st.Halted {
			entry = entry.WithError(ErrHalted)
		}
		entry.Debug("Открытие сделок заблокировано.")
	} else {
		for _, dir := range directions {
			frac := split.For(dir)
			if frac <= 0 || e.st.Open[dir] != nil {
				continue
			}
			if err := e.openDeal(ctx, dir, frac, r, at); err != nil {
				e.logEntry().WithError(err).WithFields(map[string]interface{}{
					"direction": dir,
					"fraction":  frac,
					"regime":    r.Regime.String(),
				}).Warn("Сделка не открыта.")
			}
		}
	}

	e.markToMarket(at, r.Bar.Close)
	e.checkRisk(ctx, at)
	e.publish()
	return nil
}

// advance runs the trigger checks of every open deal against bar.
func (e *Engine) advance(ctx context.Context, bar models.Bar, at time.Time) {
	for _, dir := range directions {
		d := e.st.Open[dir]
		if d == nil {
			continue
		}
		if e.cfg.Mode == ModeLive {
			e.syncLive(ctx, d, bar, at)
		} else if events := d.Evaluate(bar); len(events) > 0 {
			e.applyEvents(d, events)
			if d.IsOpen() {
				e.checkpoint(ctx, "evaluated")
			}
		}
		if !d.IsOpen() {
			e.finish(d)
			e.checkpoint(ctx, "closed")
		}
	}
}

// clock is bar close time in backtest and wall time otherwise.
func (e *Engine) clock(bar models.Bar) time.Time {
	if e.cfg.Mode != ModeBacktest {
		return e.now()
	}
	d, err := e.cfg.Timeframe.Duration()
	if err != nil {
		return bar.Time
	}
	return bar.Time.Add(d)
}

func (e *Engine) openBlocked(at time.Time) (string, bool) {
	switch {
	case e.st.Halted:
		return e.st.HaltReason, true
	case at.Before(e.st.PausedUntil):
		return "дневная пауза", true
	case e.st.WindingDown:
		return "сворачивание слота", true
	}
	return "", false
}

func (e *Engine) dealParams(r regime.Reading) deal.Params {
	dev := e.st.Params.DevPct
	if e.cfg.ATRTiers {
		dev *= allocation.ATRDeviationMult(r.ATRPct)
	}
	slippage := e.cfg.SlippagePct
	if e.cfg.Mode == ModeLive {
		slippage = 0
	}
	return deal.Params{
		TPPct:           e.st.Params.TPPct,
		TrailingPct:     e.cfg.TrailingPct,
		DevPct:          dev,
		DevMult:         e.cfg.DevMult,
		SOMult:          e.cfg.Profile.SOVolumeMult,
		MaxSafetyOrders: e.cfg.Profile.MaxSafetyOrders,
		FeePct:          e.cfg.FeePct,
		SlippagePct:     slippage,
		MinNotional:     e.rules.MinNotional,
		MinQty:          e.rules.MinQty,
	}
}

func (e *Engine) openDeal(ctx context.Context, dir models.Direction, frac float64, r regime.Reading, at time.Time) error {
	budget := e.st.Capital * frac
	size := budget * e.cfg.Profile.BaseOrderFrac
	p := e.dealParams(r)
	if e.cfg.Mode == ModeLive {
		return e.openLive(ctx, dir, size, budget, p, r.Bar.Close, at)
	}

	if need := size * (1 + e.cfg.FeePct/100); need > e.st.Cash {
		return fmt.Errorf("недостаточно средств: нужно %.2f, есть %.2f", need, e.st.Cash)
	}
	e.st.DealSeq++
	d, err := deal.Open(e.st.DealSeq, e.cfg.Symbol, dir, r.Bar.Close, size, p, at)
	if err != nil {
		e.st.DealSeq--
		return err
	}
	d.LimitLadder(min(budget, e.st.Cash) - d.Committed())
	e.st.Cash -= d.Committed()
	e.st.Open[dir] = d
	e.onOpened(d, r)
	e.checkpoint(ctx, "opened")
	return nil
}

func (e *Engine) onOpened(d *deal.Deal, r regime.Reading) {
	e.metrics.DealOpened(e.cfg.Symbol, string(d.Direction))
	fields := map[string]interface{}{
		"deal_id":   d.ID,
		"direction": d.Direction,
		"price":     d.Base.Price,
		"size":      d.Base.Size,
		"tp":        d.TPPrice,
		"ladder":    len(d.Ladder),
		"regime":    r.Regime.String(),
	}
	e.logEntry().WithFields(fields).Info("Сделка открыта.")
	e.send(notify.KindDealOpened, "Сделка открыта",
		fmt.Sprintf("%s %s #%d по %.6g", e.cfg.Symbol, d.Direction, d.ID, d.Base.Price), fields)
}

// applyEvents books simulated fills into cash.
func (e *Engine) applyEvents(d *deal.Deal, events []deal.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case deal.EventSafetyFilled:
			fill := d.Safety[ev.Index-1]
			e.st.Cash -= fill.Size + fill.Fee
			e.onSafetyFilled(d, fill)
		case deal.EventTrailArmed:
			e.logEntry().WithFields(map[string]interface{}{
				"deal_id": d.ID,
				"tp":      ev.TPPrice,
			}).Debug("Трейлинг тейк-профит активирован.")
		}
	}
}

func (e *Engine) onSafetyFilled(d *deal.Deal, fill deal.Order) {
	e.st.Stats.SafetyFills++
	e.metrics.SafetyFilled(e.cfg.Symbol, string(d.Direction))
	fields := map[string]interface{}{
		"deal_id":   d.ID,
		"direction": d.Direction,
		"index":     fill.Index,
		"price":     fill.Price,
		"avg":       d.AvgEntry(),
		"tp":        d.TPPrice,
	}
	e.logEntry().WithFields(fields).Info("Страховочный ордер исполнен.")
	e.send(notify.KindSafetyFilled, "Страховочный ордер",
		fmt.Sprintf("%s %s #%d SO%d по %.6g", e.cfg.Symbol, d.Direction, d.ID, fill.Index, fill.Price), fields)
}

// finish moves a closed deal to history and releases its cash.
func (e *Engine) finish(d *deal.Deal) {
	if d.IsOpen() {
		return
	}
	delete(e.st.Open, d.Direction)
	delete(e.st.Orders, d.ID)
	e.st.Cash += d.Committed() + d.RealizedPnL

	e.st.Stats.Deals++
	if d.RealizedPnL > 0 {
		e.st.Stats.Wins++
		e.st.Stats.GrossProfit += d.RealizedPnL
	} else {
		e.st.Stats.GrossLoss -= d.RealizedPnL
	}
	e.st.Closed = append(e.st.Closed, d)
	if limit := e.cfg.ClosedHistory; limit > 0 && len(e.st.Closed) > limit {
		e.st.Closed = append([]*deal.Deal(nil), e.st.Closed[len(e.st.Closed)-limit:]...)
	}
	e.journalDeal(d)
	e.metrics.DealClosed(e.cfg.Symbol, string(d.Direction), string(d.Reason), d.RealizedPnL)

	fields := map[string]interface{}{
		"deal_id":   d.ID,
		"direction": d.Direction,
		"reason":    d.Reason,
		"pnl":       d.RealizedPnL,
		"safety":    d.FilledSafety(),
		"avg":       d.AvgEntry(),
		"exit":      d.Close.Price,
	}
	e.logEntry().WithFields(fields).Info("Сделка закрыта.")
	kind := notify.KindDealClosed
	if d.Reason == deal.ReasonTakeProfit || d.Reason == deal.ReasonTrailing {
		kind = notify.KindTakeProfit
	}
	e.send(kind, "Сделка закрыта",
		fmt.Sprintf("%s %s #%d: %s, PnL %.2f", e.cfg.Symbol, d.Direction, d.ID, d.Reason, d.RealizedPnL), fields)
}

// retune applies new adaptive percentages to open deals. EXTREME bars
// keep the last parameters.
func (e *Engine) retune(ctx context.Context, r regime.Reading) {
	if e.adaptive == nil || r.Regime == models.RegimeExtreme {
		return
	}
	next, changed := e.adaptive.Update(e.st.Params, r.Regime, r.ATRPct)
	if !changed {
		return
	}
	e.logEntry().WithFields(map[string]interface{}{
		"regime":   r.Regime.String(),
		"tp_from":  e.st.Params.TPPct,
		"tp_to":    next.TPPct,
		"dev_from": e.st.Params.DevPct,
		"dev_to":   next.DevPct,
	}).Info("Адаптивные параметры обновлены.")
	e.st.Params = next

	dev := next.DevPct
	if e.cfg.ATRTiers {
		dev *= allocation.ATRDeviationMult(r.ATRPct)
	}
	for _, dir := range directions {
		d := e.st.Open[dir]
		if d == nil {
			continue
		}
		if err := d.Retune(next.TPPct, dev); err != nil {
			e.logEntry().WithError(err).WithField("deal_id", d.ID).Warn("Не удалось перенастроить сделку.")
			continue
		}
		if e.cfg.Mode == ModeLive {
			if err := e.replaceOrders(ctx, d); err != nil {
				e.recordError(ctx, "retune", err)
			}
		}
	}
}

// CloseAll force-closes every open deal at the last close.
func (e *Engine) CloseAll(ctx context.Context, reason deal.CloseReason) error {
	var errs []error
	at := e.clock(e.st.Reading.Bar)
	price := e.st.Reading.Bar.Close
	for _, dir := range directions {
		d := e.st.Open[dir]
		if d == nil {
			continue
		}
		if e.cfg.Mode == ModeLive {
			if err := e.closeLive(ctx, d, reason, at); err != nil {
				errs = append(errs, err)
				continue
			}
		} else if err := d.ForceClose(price, at, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		e.finish(d)
		e.checkpoint(ctx, "closed")
	}
	if e.st.HasReading {
		e.markToMarket(at, price)
	}
	e.publish()
	return errors.Join(errs...)
}
