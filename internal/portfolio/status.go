package portfolio

import (
	"time"

	"regimebot/internal/engine"
)

type SlotStatus struct {
	Symbol      string        `json:"symbol"`
	Score       float64       `json:"score"`
	Capital     float64       `json:"capital"`
	AddedAt     time.Time     `json:"added_at"`
	WindingDown bool          `json:"winding_down"`
	WindDownAt  time.Time     `json:"wind_down_at,omitempty"`
	Engine      engine.Status `json:"engine"`
}

type Status struct {
	Capital       float64      `json:"capital"`
	Pool          float64      `json:"pool"`
	Equity        float64      `json:"equity"`
	DrawdownPct   float64      `json:"drawdown_pct"`
	Halted        bool         `json:"halted"`
	HaltReason    string       `json:"halt_reason,omitempty"`
	Errors        int          `json:"errors"`
	LastRebalance time.Time    `json:"last_rebalance"`
	Slots         []SlotStatus `json:"slots"`
	Rotations     []Rotation   `json:"rotations"`
}

func (c *Coordinator) publish() {
	s := &Status{
		Capital:       c.cfg.Capital,
		Pool:          c.pool,
		Equity:        c.Equity(),
		DrawdownPct:   c.DrawdownPct(),
		Halted:        c.halted,
		HaltReason:    c.haltReason,
		Errors:        c.errors,
		LastRebalance: c.lastRebalance,
		Rotations:     append([]Rotation(nil), c.rotations...),
	}
	for _, slot := range c.slots {
		s.Slots = append(s.Slots, SlotStatus{
			Symbol:      slot.Symbol,
			Score:       slot.Score,
			Capital:     slot.Capital,
			AddedAt:     slot.AddedAt,
			WindingDown: slot.WindingDown,
			WindDownAt:  slot.WindDownAt,
			Engine:      slot.trader.Status(),
		})
	}
	active, winding := c.counts()
	c.metrics.SetPortfolio(s.Equity, active, winding)
	c.published.Store(s)
}

// Status is safe to call from any goroutine.
func (c *Coordinator) Status() Status {
	if s := c.published.Load(); s != nil {
		return *s
	}
	return Status{Capital: c.cfg.Capital}
}
