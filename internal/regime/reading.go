package regime

import (
	"math"

	"regimebot/internal/indicators"
	"regimebot/internal/models"
)

// Reading is everything the engine needs from one bar of market data.
type Reading struct {
	Bar     models.Bar    `json:"bar"`
	Regime  models.Regime `json:"regime"`
	Bullish bool          `json:"bullish"`
	ATRPct  float64       `json:"atr_pct"`
}

// Analyze produces a reading for every bar. Because each label only looks
// backwards, the reading at bar i equals Latest(bars[:i+1]) once the window
// is long enough.
func (c *Classifier) Analyze(bars []models.Bar, tf models.Timeframe) []Reading {
	set := indicators.Compute(bars)
	labels := c.ClassifySet(set, tf)
	out := make([]Reading, len(bars))
	for i, b := range bars {
		out[i] = Reading{
			Bar:     b,
			Regime:  labels[i],
			Bullish: bullish(set, i),
			ATRPct:  indicators.Value(set.ATRPct[i], DefaultATRPct),
		}
	}
	return out
}

// Latest classifies the newest bar. Windows shorter than MinBars read as
// UNKNOWN.
func (c *Classifier) Latest(bars []models.Bar, tf models.Timeframe) (Reading, bool) {
	if len(bars) == 0 {
		return Reading{}, false
	}
	if len(bars) < MinBars {
		return Reading{Bar: bars[len(bars)-1], Regime: models.RegimeUnknown, Bullish: true, ATRPct: DefaultATRPct}, true
	}
	all := c.Analyze(bars, tf)
	return all[len(all)-1], true
}

func bullish(set indicators.Set, i int) bool {
	sma := set.TrendSMA[i]
	if math.IsNaN(sma) {
		return true
	}
	return set.Close[i] >= sma
}
