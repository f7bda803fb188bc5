package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"regimebot/internal/deal"
	"regimebot/internal/exchange"
	"regimebot/internal/models"
)

// barSettle is the pause after a bar boundary before the closed bar is
// requested.
const barSettle = 3 * time.Second

// Prepare loads instrument rules in live mode and restores the last
// snapshot if there is one.
func (e *Engine) Prepare(ctx context.Context) error {
	if e.cfg.Mode == ModeLive {
		if err := e.loadRules(ctx); err != nil {
			return fmt.Errorf("Не удалось получить ограничения %s: %w", e.cfg.Symbol, err)
		}
	}
	restored, err := e.Load(ctx)
	if err != nil {
		return err
	}
	if !restored {
		e.logEntry().Info("Снимок не найден, старт с чистого состояния.")
	}
	return nil
}

// Run drives a paper or live engine until ctx is cancelled, then writes a
// final snapshot.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Mode == ModeBacktest {
		return errors.New("режим backtest запускается через Backtest")
	}
	if err := e.Prepare(ctx); err != nil {
		return err
	}
	defer e.shutdown()

	wake := e.subscribe(ctx)
	e.logEntry().WithFields(map[string]interface{}{
		"mode":      e.cfg.Mode,
		"timeframe": e.cfg.Timeframe,
		"profile":   e.cfg.Profile.Name,
		"capital":   e.st.Capital,
	}).Info("Движок запущен.")

	for {
		if err := e.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logEntry().WithError(err).Warn("Цикл завершился с ошибкой.")
		}
		if err := e.wait(ctx, wake); err != nil {
			return nil
		}
	}
}

// Cycle fetches recent bars and steps on the newest closed one. Between
// bars a live engine still syncs orders and reconciles positions.
func (e *Engine) Cycle(ctx context.Context) error {
	if e.market == nil {
		return ErrNoMarketData
	}
	bars, err := withRetry(ctx, e, "bars", func() ([]models.Bar, error) {
		return e.market.GetBars(ctx, e.cfg.Symbol, e.cfg.Timeframe, e.cfg.HistoryBars)
	})
	if err != nil {
		e.recordError(ctx, "bars", err)
		e.publish()
		return err
	}
	at := e.now()
	bars = closedBars(bars, at, e.cfg.Timeframe)
	if len(bars) == 0 {
		return nil
	}

	last := bars[len(bars)-1]
	if e.st.HasReading && !last.Time.After(e.st.LastBar) {
		if e.cfg.Mode == ModeLive {
			e.advance(ctx, last, at)
			e.reconcile(ctx, last.Close, at)
		}
	} else {
		r, _ := e.classifier.Latest(bars, e.cfg.Timeframe)
		if err := e.Step(ctx, r); err != nil {
			return err
		}
		if e.cfg.Mode == ModeLive {
			e.reconcile(ctx, r.Bar.Close, at)
		}
	}

	e.publish()
	if err := e.Persist(ctx); err != nil {
		e.logEntry().WithError(err).Warn("Не удалось сохранить снимок.")
	}
	return nil
}

// closedBars drops a trailing bar that has not closed yet at now.
func closedBars(bars []models.Bar, now time.Time, tf models.Timeframe) []models.Bar {
	d, err := tf.Duration()
	if err != nil || len(bars) == 0 {
		return bars
	}
	if last := bars[len(bars)-1]; last.Time.Add(d).After(now) {
		return bars[:len(bars)-1]
	}
	return bars
}

func (e *Engine) subscribe(ctx context.Context) <-chan exchange.Event {
	if e.stream == nil {
		return nil
	}
	ch, err := e.stream.SubscribeKlines(ctx, e.cfg.Symbol, e.cfg.Timeframe)
	if err != nil {
		e.logEntry().WithError(err).Warn("Поток свечей недоступен, работаем по таймеру.")
		return nil
	}
	return ch
}

// wait sleeps until the next bar boundary, a confirmed kline from the
// stream, or the poll interval in live mode, whichever comes first.
func (e *Engine) wait(ctx context.Context, wake <-chan exchange.Event) error {
	now := e.now()
	delay := e.cfg.PollInterval
	if next, err := e.cfg.Timeframe.NextBoundary(now); err == nil {
		untilBar := next.Sub(now) + barSettle
		if e.cfg.Mode != ModeLive || delay <= 0 || untilBar < delay {
			delay = untilBar
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Type == exchange.EventTypeKline && ev.Confirmed {
				return nil
			}
		}
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Persist(ctx); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить финальный снимок.")
		return
	}
	e.logEntry().Info("Движок остановлен, снимок сохранён.")
}

func (e *Engine) Equity() float64 {
	return e.currentEquity()
}

func (e *Engine) HasOpenDeals() bool {
	return e.st.openCount() > 0
}

func (e *Engine) Halted() bool {
	return e.st.Halted
}

func (e *Engine) ConsecutiveErrors() int {
	return e.st.Errors
}

func (e *Engine) OpenDeal(dir models.Direction) *deal.Deal {
	return e.st.Open[dir]
}

func (e *Engine) ClosedDeals() []*deal.Deal {
	return append([]*deal.Deal(nil), e.st.Closed...)
}

func (e *Engine) EquityCurve() []EquityPoint {
	return append([]EquityPoint(nil), e.st.Equity...)
}

// SetWindingDown stops new openings while open deals run to completion.
func (e *Engine) SetWindingDown(on bool) {
	e.st.WindingDown = on
	e.publish()
}

// SetCapital changes the sizing base. The difference moves into or out of
// cash, and the drawdown anchors move with it.
func (e *Engine) SetCapital(capital float64) {
	delta := capital - e.st.Capital
	if delta == 0 {
		return
	}
	e.st.Capital = capital
	e.st.Cash += delta
	e.st.Peak += delta
	if e.st.DayStart > 0 {
		e.st.DayStart += delta
	}
	if n := len(e.st.Equity); n > 0 {
		e.st.Equity[n-1].Equity += delta
		e.st.Equity[n-1].Cash += delta
	}
	e.publish()
}
