// Package regime labels every bar of a window with a market regime. The
// classifier carries no state between calls; each label is derived from the
// trailing indicator window at that bar.
package regime

import (
	"math"

	"regimebot/internal/indicators"
	"regimebot/internal/models"
)

// Values substituted for indicators that are still warming up.
const (
	DefaultADX    = 30.0
	DefaultHurst  = 0.5
	DefaultBBW    = 3.0
	DefaultATRPct = 1.0

	// MinBars is the history needed before a live reading is trusted.
	MinBars = 100
)

type Classifier struct {
	table Table
}

func New(table Table) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	return &Classifier{table: table.clone()}
}

func (c *Classifier) Params(tf models.Timeframe) TimeframeParams {
	if p, ok := c.table[tf]; ok {
		return p
	}
	return fallbackParams
}

// Base classifies each bar into CHOPPY, RANGING, MILD_TREND, TRENDING or
// EXTREME.
func (c *Classifier) Base(set indicators.Set, tf models.Timeframe) []models.Regime {
	adj := c.Params(tf).NoiseAdj
	bbwMedian := indicators.RollingMedian(set.BBW, 100, 20)
	volRatio := indicators.VolumeRatio(set.Volume, set.VolumeSMA)

	out := make([]models.Regime, set.Len())
	for i := range out {
		out[i] = classifyBar(baseInputs{
			adx:      indicators.Value(set.ADX[i], DefaultADX),
			hurst:    indicators.Value(set.Hurst[i], DefaultHurst),
			bbw:      indicators.Value(set.BBW[i], DefaultBBW),
			bbwMed:   indicators.Value(bbwMedian[i], DefaultBBW),
			atrPct:   indicators.Value(set.ATRPct[i], DefaultATRPct),
			volRatio: volRatio[i],
		}, adj)
	}
	return out
}

type baseInputs struct {
	adx      float64
	hurst    float64
	bbw      float64
	bbwMed   float64
	atrPct   float64
	volRatio float64
}

func classifyBar(in baseInputs, adj float64) models.Regime {
	adxLow := 20 * adj
	adxMid := 30 * adj
	adxHigh := 40 * adj

	score := 0.35 * math.Min(in.adx/adxHigh, 1.5)
	if in.hurst > 0 {
		score += 0.25 * (in.hurst / 0.5)
	} else {
		score += 0.25
	}
	bbwRatio := 1.0
	if in.bbwMed > 0 {
		bbwRatio = in.bbw / in.bbwMed
	}
	score += 0.2 * math.Min(bbwRatio, 2.0)
	score += 0.2 * math.Min(in.volRatio/2.0, 1.5)

	switch {
	case in.volRatio > 3.0 && in.atrPct > 3.0*adj:
		return models.RegimeExtreme
	case in.adx > adxHigh || score > 1.1:
		return models.RegimeTrending
	case in.adx > adxMid || score > 0.85:
		return models.RegimeMildTrend
	case in.adx < adxLow && in.hurst < 0.45 && bbwRatio < 0.9:
		return models.RegimeChoppy
	default:
		return models.RegimeRanging
	}
}

func (c *Classifier) Classify(bars []models.Bar, tf models.Timeframe) []models.Regime {
	return c.ClassifySet(indicators.Compute(bars), tf)
}

// ClassifySet overlays pattern regimes on the base classification. Rules
// are tried in order and the first match wins.
func (c *Classifier) ClassifySet(set indicators.Set, tf models.Timeframe) []models.Regime {
	params := c.Params(tf)
	base := c.Base(set, tf)
	volRatio := indicators.VolumeRatio(set.Volume, set.VolumeSMA)
	channelMA := indicators.RollingMean(set.ChannelPct, 50, 10)

	out := make([]models.Regime, len(base))
	for i := range base {
		out[i] = c.overlay(set, base[i], i, params, volRatio[i], channelMA[i])
	}
	return out
}

func (c *Classifier) overlay(set indicators.Set, base models.Regime, i int, p TimeframeParams, volRatio, channelMA float64) models.Regime {
	if set.HVF[i] > p.HVFThreshold {
		return models.RegimeBreakoutWarning
	}
	if set.Spring[i] {
		return models.RegimeAccumulation
	}

	quietVolume := set.VolTrend[i] == indicators.VolumeDecreasing || set.VolTrend[i] == indicators.VolumeFlat
	tight := indicators.Value(set.Tightening[i], math.Inf(1)) < 1.0
	if tight && quietVolume {
		lookback := min(int(20*p.LookbackMult), i)
		selling, buying := recentClimax(set.Climax, i-lookback, i)
		if selling {
			return models.RegimeAccumulation
		}
		if buying {
			return models.RegimeDistribution
		}
	}

	if base == models.RegimeRanging && set.VolTrend[i] == indicators.VolumeDecreasing {
		lookback := min(int(60*p.LookbackMult), i)
		if lookback > 20 && nearRangeLow(set, i-lookback, i, 0.3) {
			return models.RegimeAccumulation
		}
	}

	if set.Breakout[i] != indicators.BreakoutNone {
		switch {
		case volRatio >= 3.0:
			return models.RegimeExtreme
		case volRatio >= 2.0:
			return models.RegimeTrending
		}
		return base
	}

	width := set.ChannelPct[i]
	if !math.IsNaN(width) && !math.IsNaN(channelMA) && channelMA > 0 && width < channelMA*0.8 {
		switch base {
		case models.RegimeTrending:
			return models.RegimeMildTrend
		case models.RegimeMildTrend:
			return models.RegimeRanging
		}
	}
	return base
}

func recentClimax(climax []indicators.Climax, from, to int) (selling, buying bool) {
	for j := max(from, 0); j <= to; j++ {
		switch climax[j] {
		case indicators.ClimaxSelling:
			selling = true
		case indicators.ClimaxBuying:
			buying = true
		}
	}
	return selling, buying
}

func nearRangeLow(set indicators.Set, from, to int, frac float64) bool {
	hi, lo := math.Inf(-1), math.Inf(1)
	for j := max(from, 0); j <= to; j++ {
		hi = math.Max(hi, set.High[j])
		lo = math.Min(lo, set.Low[j])
	}
	span := hi - lo
	if span <= 0 {
		return false
	}
	return (set.Close[to]-lo)/span < frac
}
