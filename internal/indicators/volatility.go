package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// TrueRange uses high-low for the first bar, where no previous close exists.
func TrueRange(high, low, close []float64) []float64 {
	if len(close) == 0 {
		return nil
	}
	tr := talib.TRange(high, low, close)
	tr[0] = high[0] - low[0]
	return tr
}

func ATR(high, low, close []float64, period int) []float64 {
	return SMA(TrueRange(high, low, close), period)
}

// ATRPct is ATR as a percentage of the close.
func ATRPct(high, low, close []float64, period int) []float64 {
	atr := ATR(high, low, close, period)
	out := nanSeries(len(close))
	for i := range atr {
		if isNaN(atr[i]) || close[i] == 0 {
			continue
		}
		out[i] = atr[i] / close[i] * 100
	}
	return out
}

// ADX averages DX with simple rolling means. Directional movement is zeroed
// on the weaker side, so at most one of +DM/-DM is non-zero per bar.
func ADX(high, low, close []float64, period int) []float64 {
	n := len(close)
	plusDM := nanSeries(n)
	minusDM := nanSeries(n)
	for i := 1; i < n; i++ {
		up := math.Max(high[i]-high[i-1], 0)
		down := math.Max(low[i-1]-low[i], 0)
		if up < down {
			up = 0
		}
		if down < up {
			down = 0
		}
		plusDM[i] = up
		minusDM[i] = down
	}

	atr := ATR(high, low, close, period)
	plusMean := RollingMean(plusDM, period, period)
	minusMean := RollingMean(minusDM, period, period)

	dx := nanSeries(n)
	for i := 0; i < n; i++ {
		if isNaN(atr[i]) || isNaN(plusMean[i]) || isNaN(minusMean[i]) || atr[i] == 0 {
			continue
		}
		plusDI := 100 * plusMean[i] / atr[i]
		minusDI := 100 * minusMean[i] / atr[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}
	return RollingMean(dx, period, period)
}

// BollingerWidth is (upper-lower)/mid in percent.
func BollingerWidth(close []float64, period int, mult float64) []float64 {
	mid := SMA(close, period)
	std := sampleStd(close, period)
	out := nanSeries(len(close))
	for i := range close {
		if isNaN(mid[i]) || isNaN(std[i]) || mid[i] == 0 {
			continue
		}
		out[i] = 2 * mult * std[i] / mid[i] * 100
	}
	return out
}
