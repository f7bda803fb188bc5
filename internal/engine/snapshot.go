package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"regimebot/internal/allocation"
	"regimebot/internal/models"
	"regimebot/internal/store"
)

const SnapshotVersion = 1

var ErrSnapshotVersion = errors.New("неподдерживаемая версия снимка")

// Snapshot is the persisted form of an engine. Restoring it into a fresh
// engine and replaying the same bars gives the same deals and equity.
type Snapshot struct {
	Version int       `json:"version"`
	Symbol  string    `json:"symbol"`
	Mode    Mode      `json:"mode"`
	SavedAt time.Time `json:"saved_at"`
	State
}

func (e *Engine) Snapshot() (Snapshot, error) {
	raw, err := json.Marshal(e.st)
	if err != nil {
		return Snapshot{}, fmt.Errorf("Не удалось сериализовать состояние: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return Snapshot{}, fmt.Errorf("Не удалось скопировать состояние: %w", err)
	}
	return Snapshot{
		Version: SnapshotVersion,
		Symbol:  e.cfg.Symbol,
		Mode:    e.cfg.Mode,
		SavedAt: e.now(),
		State:   st,
	}, nil
}

func (e *Engine) Restore(s Snapshot) error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	if s.Symbol != e.cfg.Symbol {
		return fmt.Errorf("снимок для %s, движок для %s", s.Symbol, e.cfg.Symbol)
	}
	e.st = s.State
	e.st.ensureMaps()
	e.metrics.SetHalted(e.cfg.Symbol, e.st.Halted)
	e.logEntry().WithFields(map[string]interface{}{
		"open":     e.st.openCount(),
		"closed":   e.st.Stats.Deals,
		"cash":     e.st.Cash,
		"halted":   e.st.Halted,
		"saved_at": s.SavedAt,
	}).Info("Состояние восстановлено из снимка.")
	e.publish()
	return nil
}

func (e *Engine) storeKey() string {
	return "engine:" + e.cfg.Symbol
}

// Persist writes the current snapshot to the configured store.
func (e *Engine) Persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	s, err := e.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать снимок: %w", err)
	}
	return e.store.Save(ctx, e.storeKey(), data)
}

// checkpoint persists right after a deal transition, before the engine acts
// on it. Backtests keep their state in memory only.
func (e *Engine) checkpoint(ctx context.Context, event string) {
	if e.cfg.Mode == ModeBacktest {
		return
	}
	persist := e.Persist
	if e.store == nil {
		if e.onCommit == nil {
			return
		}
		persist = e.onCommit
	}
	if err := persist(ctx); err != nil {
		e.logEntry().WithError(err).WithField("event", event).Warn("Не удалось сохранить снимок после изменения сделки.")
	}
}

// Load restores the last persisted snapshot. A missing snapshot is not an
// error: the engine starts fresh.
func (e *Engine) Load(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	data, err := e.store.Load(ctx, e.storeKey())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return false, fmt.Errorf("Повреждённый снимок %s: %w", e.storeKey(), err)
	}
	if err := e.Restore(s); err != nil {
		return false, err
	}
	return true, nil
}

type DealView struct {
	ID            int              `json:"id"`
	Direction     models.Direction `json:"direction"`
	AvgEntry      float64          `json:"avg_entry"`
	Qty           float64          `json:"qty"`
	Invested      float64          `json:"invested"`
	TPPrice       float64          `json:"tp_price"`
	SafetyFilled  int              `json:"safety_filled"`
	SafetyTotal   int              `json:"safety_total"`
	TrailArmed    bool             `json:"trail_armed"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	OpenedAt      time.Time        `json:"opened_at"`
}

// Status is a cheap read-only summary published after every step.
type Status struct {
	Symbol      string            `json:"symbol"`
	Mode        Mode              `json:"mode"`
	Regime      string            `json:"regime"`
	Bullish     bool              `json:"bullish"`
	ATRPct      float64           `json:"atr_pct"`
	LastBar     time.Time         `json:"last_bar"`
	Capital     float64           `json:"capital"`
	Cash        float64           `json:"cash"`
	Equity      float64           `json:"equity"`
	Peak        float64           `json:"peak"`
	DrawdownPct float64           `json:"drawdown_pct"`
	Params      allocation.Params `json:"params"`
	Halted      bool              `json:"halted"`
	HaltReason  string            `json:"halt_reason,omitempty"`
	PausedUntil time.Time         `json:"paused_until"`
	WindingDown bool              `json:"winding_down"`
	Errors      int               `json:"errors"`
	Open        []DealView        `json:"open"`
	Deals       int               `json:"deals"`
	Wins        int               `json:"wins"`
	RealizedPnL float64           `json:"realized_pnl"`
}

func (e *Engine) publish() {
	price := e.st.Reading.Bar.Close
	eq := e.currentEquity()
	s := &Status{
		Symbol:      e.cfg.Symbol,
		Mode:        e.cfg.Mode,
		Regime:      e.st.Reading.Regime.String(),
		Bullish:     e.st.Reading.Bullish,
		ATRPct:      e.st.Reading.ATRPct,
		LastBar:     e.st.LastBar,
		Capital:     e.st.Capital,
		Cash:        e.st.Cash,
		Equity:      eq,
		Peak:        e.st.Peak,
		DrawdownPct: e.drawdownPct(eq),
		Params:      e.st.Params,
		Halted:      e.st.Halted,
		HaltReason:  e.st.HaltReason,
		PausedUntil: e.st.PausedUntil,
		WindingDown: e.st.WindingDown,
		Errors:      e.st.Errors,
		Deals:       e.st.Stats.Deals,
		Wins:        e.st.Stats.Wins,
		RealizedPnL: e.st.Stats.GrossProfit - e.st.Stats.GrossLoss,
	}
	for _, dir := range directions {
		d := e.st.Open[dir]
		if d == nil {
			continue
		}
		s.Open = append(s.Open, DealView{
			ID:            d.ID,
			Direction:     d.Direction,
			AvgEntry:      d.AvgEntry(),
			Qty:           d.TotalQty(),
			Invested:      d.TotalInvested(),
			TPPrice:       d.TPPrice,
			SafetyFilled:  d.FilledSafety(),
			SafetyTotal:   len(d.Ladder),
			TrailArmed:    d.TrailArmed,
			UnrealizedPnL: d.UnrealizedPnL(price),
			OpenedAt:      d.OpenedAt,
		})
	}
	e.published.Store(s)
}

// Status is safe to call from any goroutine.
func (e *Engine) Status() Status {
	if s := e.published.Load(); s != nil {
		return *s
	}
	return Status{Symbol: e.cfg.Symbol, Mode: e.cfg.Mode}
}
