package portfolio

import (
	"context"
	"fmt"

	"regimebot/internal/deal"
	"regimebot/internal/notify"
)

// DrawdownPct is the loss of total equity against initial capital.
func (c *Coordinator) DrawdownPct() float64 {
	eq := c.Equity()
	if c.cfg.Capital <= 0 || eq >= c.cfg.Capital {
		return 0
	}
	return (c.cfg.Capital - eq) / c.cfg.Capital * 100
}

func (c *Coordinator) checkCircuitBreaker(ctx context.Context) {
	if c.halted {
		return
	}
	if dd := c.DrawdownPct(); dd >= c.cfg.CircuitBreakerPct {
		c.haltAll(ctx, fmt.Sprintf("просадка портфеля %.2f%% от капитала %.2f", dd, c.cfg.Capital), notify.KindCircuitBreaker)
	}
}

// Halt is the external kill switch: every slot is closed and the
// portfolio stops for good.
func (c *Coordinator) Halt(ctx context.Context, reason string) {
	c.haltAll(ctx, reason, notify.KindKillSwitch)
	c.publish()
}

// haltAll force-closes every slot and halts each engine. There is no way
// back short of a restart with a cleared snapshot.
func (c *Coordinator) haltAll(ctx context.Context, reason string, kind notify.Kind) {
	if c.halted {
		return
	}
	c.halted = true
	c.haltReason = reason
	for _, s := range c.slots {
		if err := s.trader.CloseAll(ctx, deal.ReasonForced); err != nil {
			c.logEntry().WithError(err).WithField("symbol", s.Symbol).Error("Не удалось закрыть сделки слота при остановке.")
		}
		s.trader.Halt(ctx, reason)
		c.record(Rotation{Action: "halted", Symbol: s.Symbol, Reason: reason, Capital: s.trader.Equity()})
	}

	eq := c.Equity()
	fields := map[string]interface{}{
		"equity":  eq,
		"capital": c.cfg.Capital,
		"slots":   len(c.slots),
	}
	c.logEntry().WithField("reason", reason).WithFields(fields).Error("Портфель остановлен, все слоты закрыты.")
	c.send(kind, "", "Портфель остановлен", fmt.Sprintf("%s; капитал %.2f → %.2f", reason, c.cfg.Capital, eq), fields)
	c.persist(ctx)
}
