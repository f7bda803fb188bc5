// Package allocation turns a regime reading into capital fractions and
// derives the adaptive take-profit and deviation percentages.
package allocation

import (
	"fmt"
	"math"

	"regimebot/internal/models"
)

type Split struct {
	Long  float64 `json:"long" mapstructure:"long"`
	Short float64 `json:"short" mapstructure:"short"`
}

func (s Split) For(d models.Direction) float64 {
	if d == models.Short {
		return s.Short
	}
	return s.Long
}

func (s Split) Total() float64 {
	return s.Long + s.Short
}

func (s Split) validate() error {
	if s.Long < 0 || s.Long > 1 || s.Short < 0 || s.Short > 1 {
		return fmt.Errorf("доли должны быть в [0, 1]: %+v", s)
	}
	if s.Total() > 1+1e-9 {
		return fmt.Errorf("сумма долей больше 1: %+v", s)
	}
	return nil
}

type Table map[models.Regime]Split

func DefaultTable() Table {
	return Table{
		models.RegimeUnknown:         {Long: 0.5, Short: 0.5},
		models.RegimeAccumulation:    {Long: 0.7, Short: 0.3},
		models.RegimeChoppy:          {Long: 0.5, Short: 0.5},
		models.RegimeRanging:         {Long: 0.5, Short: 0.5},
		models.RegimeDistribution:    {Long: 0.3, Short: 0.7},
		models.RegimeMildTrend:       {Long: 0.6, Short: 0.4},
		models.RegimeTrending:        {Long: 0.75, Short: 0.25},
		models.RegimeExtreme:         {},
		models.RegimeBreakoutWarning: {},
	}
}

// Policy is immutable after construction.
type Policy struct {
	table   Table
	profile Profile
}

func NewPolicy(table Table, profile Profile) (*Policy, error) {
	if table == nil {
		table = DefaultTable()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	own := make(Table, len(table))
	for _, r := range models.AllRegimes() {
		s, ok := table[r]
		if !ok {
			return nil, fmt.Errorf("Нет распределения для режима %v", r)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("режим %v: %w", r, err)
		}
		own[r] = s
	}
	return &Policy{table: own, profile: profile}, nil
}

func (p *Policy) Profile() Profile {
	return p.profile
}

// Allocate maps a regime and trend to (long, short) fractions. EXTREME uses
// the profile's override, directional regimes swap sides in a bearish
// trend, and neither side may exceed the profile's MaxBias; the clipped
// excess moves to the other side.
func (p *Policy) Allocate(r models.Regime, bullish bool) Split {
	s, ok := p.table[r]
	if !ok {
		s = p.table[models.RegimeUnknown]
	}
	if r == models.RegimeExtreme {
		s = p.profile.ExtremeAlloc
	}
	if r.Directional() && !bullish {
		s.Long, s.Short = s.Short, s.Long
	}

	limit := p.profile.MaxBias
	if s.Long > limit {
		excess := s.Long - limit
		s.Long = limit
		s.Short = math.Min(s.Short+excess, 1)
	}
	if s.Short > limit {
		excess := s.Short - limit
		s.Short = limit
		s.Long = math.Min(s.Long+excess, 1)
	}
	return s
}
