package deal

import (
	"math"
	"time"

	"regimebot/internal/models"
)

type EventKind string

const (
	EventSafetyFilled EventKind = "safety_filled"
	EventTrailArmed   EventKind = "trail_armed"
	EventClosed       EventKind = "closed"
)

type Event struct {
	Kind      EventKind        `json:"kind"`
	DealID    int              `json:"deal_id"`
	Symbol    string           `json:"symbol"`
	Direction models.Direction `json:"direction"`
	Index     int              `json:"index,omitempty"`
	Price     float64          `json:"price"`
	AvgEntry  float64          `json:"avg_entry"`
	TPPrice   float64          `json:"tp_price"`
	PnL       float64          `json:"pnl,omitempty"`
	Reason    CloseReason      `json:"reason,omitempty"`
	Time      time.Time        `json:"time"`
}

// SafetyTriggered reports whether a bar's range crosses level.
func SafetyTriggered(dir models.Direction, level Level, bar models.Bar) bool {
	if dir == models.Short {
		return bar.High >= level.Price
	}
	return bar.Low <= level.Price
}

// TargetTouched reports whether a bar reaches the take-profit price.
func TargetTouched(dir models.Direction, tp float64, bar models.Bar) bool {
	if dir == models.Short {
		return bar.Low <= tp
	}
	return bar.High >= tp
}

// Evaluate applies one bar to the deal: ladder levels first, in order, then
// the take-profit. It is the single trigger path for backtest and paper
// trading.
func (d *Deal) Evaluate(bar models.Bar) []Event {
	if !d.IsOpen() {
		return nil
	}
	var events []Event
	for {
		level, ok := d.NextLevel()
		if !ok || !SafetyTriggered(d.Direction, level, bar) {
			break
		}
		fill := d.Params.simulateFill(RoleSafety, level.Index, level.Price, level.Size, d.Direction.EntrySide(), bar.Time)
		if err := d.ApplySafetyFill(fill); err != nil {
			break
		}
		events = append(events, d.event(EventSafetyFilled, level.Index, fill.Price, bar.Time))
	}

	if ev, ok := d.checkExit(bar); ok {
		events = append(events, ev...)
	}
	return events
}

func (d *Deal) checkExit(bar models.Bar) ([]Event, bool) {
	if d.Params.TrailingPct <= 0 {
		if !TargetTouched(d.Direction, d.TPPrice, bar) {
			return nil, false
		}
		_ = d.ApplyClose(d.closeFill(d.TPPrice, bar.Time), ReasonTakeProfit)
		return []Event{d.closedEvent(bar.Time)}, true
	}

	var events []Event
	armed, stop, hit := d.Trail(bar)
	if armed {
		events = append(events, d.event(EventTrailArmed, 0, d.TPPrice, bar.Time))
	}
	if hit {
		_ = d.ApplyClose(d.closeFill(stop, bar.Time), ReasonTrailing)
		events = append(events, d.closedEvent(bar.Time))
	}
	return events, len(events) > 0
}

// Trail advances the trailing take-profit by one bar. armed reports that
// this bar armed it; hit reports that price retraced to stop. The deal is
// never closed here.
func (d *Deal) Trail(bar models.Bar) (armed bool, stop float64, hit bool) {
	if !d.IsOpen() || d.Params.TrailingPct <= 0 {
		return false, 0, false
	}
	if !d.TrailArmed {
		if !TargetTouched(d.Direction, d.TPPrice, bar) {
			return false, 0, false
		}
		d.TrailArmed = true
		d.TrailPeak = d.TPPrice
		armed = true
	}

	trail := d.Params.TrailingPct / 100
	if d.Direction == models.Short {
		d.TrailPeak = math.Min(d.TrailPeak, bar.Low)
		stop = d.TrailPeak * (1 + trail)
		return armed, stop, bar.High >= stop
	}
	d.TrailPeak = math.Max(d.TrailPeak, bar.High)
	stop = d.TrailPeak * (1 - trail)
	return armed, stop, bar.Low <= stop
}

func (d *Deal) event(kind EventKind, index int, price float64, at time.Time) Event {
	return Event{
		Kind:      kind,
		DealID:    d.ID,
		Symbol:    d.Symbol,
		Direction: d.Direction,
		Index:     index,
		Price:     price,
		AvgEntry:  d.AvgEntry(),
		TPPrice:   d.TPPrice,
		Time:      at,
	}
}

func (d *Deal) closedEvent(at time.Time) Event {
	ev := d.event(EventClosed, 0, d.Close.Price, at)
	ev.PnL = d.RealizedPnL
	ev.Reason = d.Reason
	return ev
}
