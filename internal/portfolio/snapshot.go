package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"regimebot/internal/engine"
	"regimebot/internal/store"
)

const SnapshotVersion = 1

var ErrSnapshotVersion = errors.New("неподдерживаемая версия снимка портфеля")

const storeKey = "portfolio"

type SlotSnapshot struct {
	Symbol      string          `json:"symbol"`
	Score       float64         `json:"score"`
	Capital     float64         `json:"capital"`
	AddedAt     time.Time       `json:"added_at"`
	WindingDown bool            `json:"winding_down"`
	WindDownAt  time.Time       `json:"wind_down_at"`
	Engine      engine.Snapshot `json:"engine"`
}

type Snapshot struct {
	Version       int            `json:"version"`
	SavedAt       time.Time      `json:"saved_at"`
	Capital       float64        `json:"capital"`
	Pool          float64        `json:"pool"`
	Halted        bool           `json:"halted"`
	HaltReason    string         `json:"halt_reason,omitempty"`
	Errors        int            `json:"errors"`
	LastRebalance time.Time      `json:"last_rebalance"`
	Rotations     []Rotation     `json:"rotations"`
	Slots         []SlotSnapshot `json:"slots"`
}

func (c *Coordinator) Snapshot() (Snapshot, error) {
	s := Snapshot{
		Version:       SnapshotVersion,
		SavedAt:       c.now(),
		Capital:       c.cfg.Capital,
		Pool:          c.pool,
		Halted:        c.halted,
		HaltReason:    c.haltReason,
		Errors:        c.errors,
		LastRebalance: c.lastRebalance,
		Rotations:     append([]Rotation(nil), c.rotations...),
	}
	for _, slot := range c.slots {
		es, err := slot.trader.Snapshot()
		if err != nil {
			return Snapshot{}, fmt.Errorf("снимок слота %s: %w", slot.Symbol, err)
		}
		s.Slots = append(s.Slots, SlotSnapshot{
			Symbol:      slot.Symbol,
			Score:       slot.Score,
			Capital:     slot.Capital,
			AddedAt:     slot.AddedAt,
			WindingDown: slot.WindingDown,
			WindDownAt:  slot.WindDownAt,
			Engine:      es,
		})
	}
	return s, nil
}

// Restore rebuilds every slot through the factory and hands each engine
// its own snapshot. It is meant for a fresh coordinator.
func (c *Coordinator) Restore(ctx context.Context, s Snapshot) error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	slots := make([]*Slot, 0, len(s.Slots))
	for _, ss := range s.Slots {
		trader, err := c.factory(ss.Symbol, ss.Capital)
		if err != nil {
			return fmt.Errorf("Не удалось создать движок %s: %w", ss.Symbol, err)
		}
		if err := trader.Prepare(ctx); err != nil {
			return fmt.Errorf("Не удалось подготовить движок %s: %w", ss.Symbol, err)
		}
		if err := trader.Restore(ss.Engine); err != nil {
			return fmt.Errorf("Не удалось восстановить движок %s: %w", ss.Symbol, err)
		}
		if ss.WindingDown {
			trader.SetWindingDown(true)
		}
		slots = append(slots, &Slot{
			Symbol:      ss.Symbol,
			Score:       ss.Score,
			Capital:     ss.Capital,
			AddedAt:     ss.AddedAt,
			WindingDown: ss.WindingDown,
			WindDownAt:  ss.WindDownAt,
			trader:      trader,
		})
	}

	if s.Capital > 0 {
		c.cfg.Capital = s.Capital
	}
	c.pool = s.Pool
	c.slots = slots
	c.halted = s.Halted
	c.haltReason = s.HaltReason
	c.errors = s.Errors
	c.lastRebalance = s.LastRebalance
	c.rotations = append([]Rotation(nil), s.Rotations...)

	c.logEntry().WithFields(map[string]interface{}{
		"slots":    len(c.slots),
		"pool":     c.pool,
		"halted":   c.halted,
		"saved_at": s.SavedAt,
	}).Info("Портфель восстановлен из снимка.")
	c.publish()
	return nil
}

func (c *Coordinator) Persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	s, err := c.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать снимок портфеля: %w", err)
	}
	return c.store.Save(ctx, storeKey, data)
}

// Load restores the last persisted portfolio; a missing snapshot leaves
// the coordinator empty.
func (c *Coordinator) Load(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	data, err := c.store.Load(ctx, storeKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return false, fmt.Errorf("Повреждённый снимок портфеля: %w", err)
	}
	if err := c.Restore(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}
