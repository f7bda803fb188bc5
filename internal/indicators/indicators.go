// Package indicators computes the technical features the regime classifier
// and the deal engine consume. Every function is pure: it reads a column
// slice and returns a same-length result, NaN where history is too short.
package indicators

import "regimebot/internal/models"

const (
	ATRPeriod       = 14
	ADXPeriod       = 14
	BBPeriod        = 20
	BBMult          = 2.0
	VolumeSMAPeriod = 20
	ClimaxLookback  = 20
	SpringLookback  = 30
	VolumeTrendLen  = 10
	TighteningLen   = 20
	HVFLookback     = 30
	ChannelPeriod   = 20
	ChannelConfirm  = 3
	TrendSMAPeriod  = 50
)

// Set holds every indicator series for one bar window.
type Set struct {
	Close      []float64
	High       []float64
	Low        []float64
	Volume     []float64
	ADX        []float64
	ATRPct     []float64
	BBW        []float64
	Hurst      []float64
	VolumeSMA  []float64
	TrendSMA   []float64
	Climax     []Climax
	Spring     []bool
	VolTrend   []VolumeDirection
	Tightening []float64
	HVF        []float64
	Breakout   []Breakout
	ChannelPct []float64
}

func Compute(bars []models.Bar) Set {
	s := models.Columns(bars)
	return Set{
		Close:      s.Close,
		High:       s.High,
		Low:        s.Low,
		Volume:     s.Volume,
		ADX:        ADX(s.High, s.Low, s.Close, ADXPeriod),
		ATRPct:     ATRPct(s.High, s.Low, s.Close, ATRPeriod),
		BBW:        BollingerWidth(s.Close, BBPeriod, BBMult),
		Hurst:      Hurst(s.Close, HurstMinChunk, HurstMaxChunk),
		VolumeSMA:  SMA(s.Volume, VolumeSMAPeriod),
		TrendSMA:   SMA(s.Close, TrendSMAPeriod),
		Climax:     VolumeClimax(s.High, s.Low, s.Close, s.Volume, ClimaxLookback),
		Spring:     Spring(s.Low, s.Close, SpringLookback),
		VolTrend:   VolumeTrend(s.Volume, VolumeTrendLen),
		Tightening: RangeTightening(s.High, s.Low, TighteningLen),
		HVF:        HVF(s.Volume, HVFLookback),
		Breakout:   ChannelBreakout(s.High, s.Low, s.Close, s.Volume, ChannelPeriod, ChannelConfirm),
		ChannelPct: ChannelWidthPct(s.High, s.Low, ChannelPeriod),
	}
}

func (s Set) Len() int {
	return len(s.Close)
}

// Value returns v, or def when v is NaN.
func Value(v, def float64) float64 {
	if isNaN(v) {
		return def
	}
	return v
}
