package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"

	"regimebot/internal/deal"
	"regimebot/internal/notify"
	"regimebot/internal/ranking"
)

// capitalEpsilon is the smallest capital change worth applying.
const capitalEpsilon = 0.01

type Target struct {
	Symbol  string  `json:"symbol"`
	Score   float64 `json:"score"`
	Share   float64 `json:"share"`
	Capital float64 `json:"capital"`
}

// Targets picks the top MaxCoins positive scores and splits the investable
// capital between them by score. Shares under the floor are dropped and
// their capital stays in the pool.
func (c *Coordinator) Targets(entries []ranking.Entry) []Target {
	var top []ranking.Entry
	for _, e := range ranking.Normalize(entries) {
		if e.Score <= 0 {
			continue
		}
		top = append(top, e)
		if len(top) == c.cfg.MaxCoins {
			break
		}
	}
	total := 0.0
	for _, e := range top {
		total += e.Score
	}
	if total <= 0 {
		return nil
	}
	investable := c.cfg.Capital * (100 - c.cfg.ReservePct) / 100
	out := make([]Target, 0, len(top))
	for _, e := range top {
		share := e.Score / total
		if share*100 < c.cfg.MinAllocPct {
			continue
		}
		out = append(out, Target{
			Symbol:  e.Symbol,
			Score:   e.Score,
			Share:   share,
			Capital: investable * e.Score / total,
		})
	}
	return out
}

// Rebalance applies a ranking. Running it again with the same ranking
// changes nothing.
func (c *Coordinator) Rebalance(ctx context.Context, entries []ranking.Entry) error {
	if c.halted {
		return ErrHalted
	}
	c.lastRebalance = c.now()
	entries = ranking.Normalize(entries)
	targets := c.Targets(entries)
	if len(targets) == 0 {
		c.logEntry().Warn("В рейтинге нет кандидатов, ребаланс пропущен.")
		return nil
	}

	wanted := make(map[string]Target, len(targets))
	for _, t := range targets {
		wanted[t.Symbol] = t
	}
	c.rotateOut(entries, wanted)

	var errs []error
	for _, t := range targets {
		s := c.slot(t.Symbol)
		switch {
		case s == nil:
			if active, _ := c.counts(); active >= c.cfg.MaxCoins {
				c.logEntry().WithField("symbol", t.Symbol).Info("Все места заняты, монета не добавлена.")
				continue
			}
			if err := c.add(ctx, t); err != nil {
				errs = append(errs, err)
			}
		case s.WindingDown:
			continue
		default:
			s.Score = t.Score
			c.resize(s, t.Capital)
		}
	}

	c.publish()
	c.persist(ctx)
	return errors.Join(errs...)
}

// rotateOut starts wind-down for active slots that left the target set,
// once they have been held long enough and the best replacement is
// sufficiently better.
func (c *Coordinator) rotateOut(entries []ranking.Entry, wanted map[string]Target) {
	now := c.now()
	for _, s := range c.slots {
		if s.WindingDown {
			continue
		}
		if _, ok := wanted[s.Symbol]; ok {
			continue
		}
		entry := c.logEntry().WithField("symbol", s.Symbol)
		if held := now.Sub(s.AddedAt); held < c.cfg.MinHold {
			entry.WithField("held", held.String()).Info("Монета удерживается меньше минимума, ротация пропущена.")
			continue
		}
		if best, ok := c.bestReplacement(entries); ok && s.Score > 0 {
			improvement := (best.Score - s.Score) / s.Score * 100
			if improvement < c.cfg.ImprovementPct {
				entry.WithFields(map[string]interface{}{
					"replacement": best.Symbol,
					"improvement": improvement,
				}).Info("Замена недостаточно лучше, ротация пропущена.")
				continue
			}
		}
		c.windDown(s, "rotation")
	}
}

func (c *Coordinator) bestReplacement(entries []ranking.Entry) (ranking.Entry, bool) {
	for _, e := range entries {
		if e.Score <= 0 {
			continue
		}
		if s := c.slot(e.Symbol); s == nil || s.WindingDown {
			return e, true
		}
	}
	return ranking.Entry{}, false
}

func (c *Coordinator) add(ctx context.Context, t Target) error {
	capital := math.Min(t.Capital, c.pool)
	if capital < capitalEpsilon {
		c.logEntry().WithFields(map[string]interface{}{
			"symbol": t.Symbol,
			"pool":   c.pool,
		}).Info("Свободного капитала нет, монета не добавлена.")
		return nil
	}
	trader, err := c.factory(t.Symbol, capital)
	if err != nil {
		return fmt.Errorf("Не удалось создать движок %s: %w", t.Symbol, err)
	}
	if err := trader.Prepare(ctx); err != nil {
		return fmt.Errorf("Не удалось подготовить движок %s: %w", t.Symbol, err)
	}
	s := &Slot{
		Symbol:  t.Symbol,
		Score:   t.Score,
		Capital: capital,
		AddedAt: c.now(),
		trader:  trader,
	}
	c.slots = append(c.slots, s)
	c.pool -= capital
	c.record(Rotation{Action: "added", Symbol: t.Symbol, Reason: "rotation", Score: t.Score, Capital: capital})

	fields := map[string]interface{}{
		"score":   t.Score,
		"share":   t.Share,
		"capital": capital,
	}
	c.logEntry().WithField("symbol", t.Symbol).WithFields(fields).Info("Монета добавлена в портфель.")
	c.send(notify.KindRebalance, t.Symbol, "Монета добавлена",
		fmt.Sprintf("%s: доля %.0f%%, капитал %.2f, оценка %.2f", t.Symbol, t.Share*100, capital, t.Score), fields)
	return nil
}

// resize moves capital between the pool and a slot. Growth is limited by
// the pool, shrinking by the slot's free cash.
func (c *Coordinator) resize(s *Slot, capital float64) {
	delta := capital - s.Capital
	if delta > c.pool {
		delta = math.Max(c.pool, 0)
	}
	if delta < 0 {
		if cash := s.trader.Status().Cash; -delta > cash {
			delta = -math.Max(cash, 0)
		}
	}
	if math.Abs(delta) < capitalEpsilon {
		return
	}
	s.Capital += delta
	c.pool -= delta
	s.trader.SetCapital(s.Capital)
	c.record(Rotation{Action: "resized", Symbol: s.Symbol, Score: s.Score, Capital: s.Capital})
	c.logEntry().WithFields(map[string]interface{}{
		"symbol":  s.Symbol,
		"capital": s.Capital,
		"delta":   delta,
	}).Info("Капитал слота изменён.")
}

func (c *Coordinator) windDown(s *Slot, reason string) {
	s.WindingDown = true
	s.WindDownAt = c.now()
	s.trader.SetWindingDown(true)
	c.record(Rotation{Action: "wind_down", Symbol: s.Symbol, Reason: reason, Score: s.Score, Capital: s.Capital})
	c.logEntry().WithFields(map[string]interface{}{
		"symbol": s.Symbol,
		"reason": reason,
	}).Info("Слот сворачивается.")
	c.send(notify.KindWindDown, s.Symbol, "Слот сворачивается",
		fmt.Sprintf("%s: новые сделки не открываются (%s)", s.Symbol, reason), map[string]interface{}{"reason": reason})
}

// checkWindDowns removes slots whose deals have finished and force-closes
// those that ran past the timeout.
func (c *Coordinator) checkWindDowns(ctx context.Context) {
	now := c.now()
	for _, s := range append([]*Slot(nil), c.slots...) {
		if !s.WindingDown {
			continue
		}
		switch {
		case !s.trader.HasOpenDeals():
			c.remove(ctx, s, "wind_down_complete")
		case c.cfg.WindDownTimeout > 0 && now.Sub(s.WindDownAt) > c.cfg.WindDownTimeout:
			c.logEntry().WithField("symbol", s.Symbol).Warn("Сворачивание слота превысило таймаут, принудительное закрытие.")
			c.remove(ctx, s, "wind_down_timeout")
		}
	}
}

// remove closes whatever is still open and returns the slot's equity to
// the pool. A slot whose close failed stays for the next cycle.
func (c *Coordinator) remove(ctx context.Context, s *Slot, reason string) {
	if s.trader.HasOpenDeals() {
		if err := s.trader.CloseAll(ctx, deal.ReasonForced); err != nil {
			c.logEntry().WithError(err).WithField("symbol", s.Symbol).Error("Не удалось закрыть сделки слота.")
			return
		}
	}
	eq := s.trader.Equity()
	c.pool += eq
	for i, x := range c.slots {
		if x == s {
			c.slots = append(c.slots[:i], c.slots[i+1:]...)
			break
		}
	}
	pnl := eq - s.Capital
	c.record(Rotation{Action: "removed", Symbol: s.Symbol, Reason: reason, Score: s.Score, Capital: eq})
	fields := map[string]interface{}{
		"reason": reason,
		"equity": eq,
		"pnl":    pnl,
	}
	c.logEntry().WithField("symbol", s.Symbol).WithFields(fields).Info("Монета удалена из портфеля.")
	c.send(notify.KindRebalance, s.Symbol, "Монета удалена",
		fmt.Sprintf("%s: %s, PnL %.2f", s.Symbol, reason, pnl), fields)
}
