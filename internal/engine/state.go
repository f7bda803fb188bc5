package engine

import (
	"time"

	"regimebot/internal/allocation"
	"regimebot/internal/deal"
	"regimebot/internal/models"
	"regimebot/internal/regime"
)

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
	Cash   float64   `json:"cash"`
}

// Stats accumulate over the whole run; the closed-deal list is trimmed,
// these are not.
type Stats struct {
	Deals          int            `json:"deals"`
	Wins           int            `json:"wins"`
	GrossProfit    float64        `json:"gross_profit"`
	GrossLoss      float64        `json:"gross_loss"`
	SafetyFills    int            `json:"safety_fills"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	Regimes        map[string]int `json:"regimes"`
}

// LiveOrders are the resting exchange orders of one deal. LadderCut is set
// once the ladder was pulled to make room for the take-profit; it stays off
// the book until the orders are replaced.
type LiveOrders struct {
	Safety    map[int]models.Order `json:"safety"`
	TP        *models.Order        `json:"tp,omitempty"`
	LadderCut bool                 `json:"ladder_cut,omitempty"`
}

// State is the complete mutable state of an engine.
type State struct {
	Cash    float64 `json:"cash"`
	Capital float64 `json:"capital"`
	DealSeq int     `json:"deal_seq"`

	Open   map[models.Direction]*deal.Deal `json:"open"`
	Closed []*deal.Deal                    `json:"closed"`
	Orders map[int]*LiveOrders             `json:"orders,omitempty"`

	Equity   []EquityPoint `json:"equity"`
	Peak     float64       `json:"peak"`
	Day      string        `json:"day"`
	DayStart float64       `json:"day_start"`

	Reading    regime.Reading    `json:"reading"`
	HasReading bool              `json:"has_reading"`
	Params     allocation.Params `json:"params"`
	LastBar    time.Time         `json:"last_bar"`

	Halted      bool      `json:"halted"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	PausedUntil time.Time `json:"paused_until"`
	Errors      int       `json:"errors"`
	WindingDown bool      `json:"winding_down"`
	SummaryDay  string    `json:"summary_day"`

	Stats Stats `json:"stats"`
}

func newState(cfg Config) State {
	return State{
		Cash:    cfg.Capital,
		Capital: cfg.Capital,
		Peak:    cfg.Capital,
		Open:    map[models.Direction]*deal.Deal{},
		Orders:  map[int]*LiveOrders{},
		Stats:   Stats{Regimes: map[string]int{}},
	}
}

func (s *State) ensureMaps() {
	if s.Open == nil {
		s.Open = map[models.Direction]*deal.Deal{}
	}
	if s.Orders == nil {
		s.Orders = map[int]*LiveOrders{}
	}
	if s.Stats.Regimes == nil {
		s.Stats.Regimes = map[string]int{}
	}
}

func (s *State) liveOrders(id int) *LiveOrders {
	lo, ok := s.Orders[id]
	if !ok {
		lo = &LiveOrders{Safety: map[int]models.Order{}}
		s.Orders[id] = lo
	}
	if lo.Safety == nil {
		lo.Safety = map[int]models.Order{}
	}
	return lo
}

func (s *State) openCount() int {
	n := 0
	for _, d := range s.Open {
		if d != nil && d.IsOpen() {
			n++
		}
	}
	return n
}
