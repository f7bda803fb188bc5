package indicators

type Breakout int8

const (
	BreakoutNone Breakout = iota
	BreakoutUp
	BreakoutDown
)

type Donchian struct {
	Upper []float64
	Lower []float64
	Mid   []float64
}

func DonchianChannel(high, low []float64, period int) Donchian {
	upper := rollingMax(high, period)
	lower := rollingMin(low, period)
	mid := nanSeries(len(high))
	for i := range mid {
		if !isNaN(upper[i]) && !isNaN(lower[i]) {
			mid[i] = (upper[i] + lower[i]) / 2
		}
	}
	return Donchian{Upper: upper, Lower: lower, Mid: mid}
}

// ChannelWidthPct is the Donchian width as a percentage of its midline.
func ChannelWidthPct(high, low []float64, period int) []float64 {
	dc := DonchianChannel(high, low, period)
	out := nanSeries(len(high))
	for i := range out {
		if isNaN(dc.Mid[i]) || dc.Mid[i] == 0 {
			continue
		}
		out[i] = (dc.Upper[i] - dc.Lower[i]) / dc.Mid[i] * 100
	}
	return out
}

// ChannelBreakout confirms a breakout once confirm consecutive closes land
// outside the previous bar's channel on more than twice average volume.
func ChannelBreakout(high, low, close, volume []float64, period, confirm int) []Breakout {
	out := make([]Breakout, len(close))
	dc := DonchianChannel(high, low, period)
	prevUpper := shift(dc.Upper, 1)
	prevLower := shift(dc.Lower, 1)
	volAvg := SMA(volume, period)

	above, below := 0, 0
	for i := range close {
		heavy := !isNaN(volAvg[i]) && volume[i] > volAvg[i]*2
		if heavy && !isNaN(prevUpper[i]) && close[i] > prevUpper[i] {
			above++
		} else {
			above = 0
		}
		if heavy && !isNaN(prevLower[i]) && close[i] < prevLower[i] {
			below++
		} else {
			below = 0
		}
		switch {
		case below >= confirm:
			out[i] = BreakoutDown
		case above >= confirm:
			out[i] = BreakoutUp
		}
	}
	return out
}
