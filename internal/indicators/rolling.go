package indicators

import (
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"
)

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func isNaN(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func maskWarmup(out []float64, warmup int) []float64 {
	for i := 0; i < warmup && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the simple moving average; the first period-1 values are NaN.
// Input must not contain NaN.
func SMA(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	if period == 1 {
		return append([]float64(nil), in...)
	}
	return maskWarmup(talib.Sma(in, period), period-1)
}

func rollingMax(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	if period == 1 {
		return append([]float64(nil), in...)
	}
	return maskWarmup(talib.Max(in, period), period-1)
}

func rollingMin(in []float64, period int) []float64 {
	if period <= 0 || len(in) < period {
		return nanSeries(len(in))
	}
	if period == 1 {
		return append([]float64(nil), in...)
	}
	return maskWarmup(talib.Min(in, period), period-1)
}

// sampleStd is the rolling standard deviation with ddof=1.
func sampleStd(in []float64, period int) []float64 {
	if period < 2 || len(in) < period {
		return nanSeries(len(in))
	}
	pop := talib.StdDev(in, period, 1)
	scale := math.Sqrt(float64(period) / float64(period-1))
	for i := range pop {
		pop[i] *= scale
	}
	return maskWarmup(pop, period-1)
}

// RollingMean tolerates NaN: a value is produced once the window holds at
// least minPeriods finite observations.
func RollingMean(in []float64, window, minPeriods int) []float64 {
	out := nanSeries(len(in))
	for i := range in {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		sum, count := 0.0, 0
		for _, v := range in[start : i+1] {
			if isNaN(v) {
				continue
			}
			sum += v
			count++
		}
		if count >= minPeriods && count > 0 {
			out[i] = sum / float64(count)
		}
	}
	return out
}

func RollingMedian(in []float64, window, minPeriods int) []float64 {
	out := nanSeries(len(in))
	buf := make([]float64, 0, window)
	for i := range in {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		buf = buf[:0]
		for _, v := range in[start : i+1] {
			if !isNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) < minPeriods || len(buf) == 0 {
			continue
		}
		sort.Float64s(buf)
		mid := len(buf) / 2
		if len(buf)%2 == 1 {
			out[i] = buf[mid]
		} else {
			out[i] = (buf[mid-1] + buf[mid]) / 2
		}
	}
	return out
}

func shift(in []float64, n int) []float64 {
	out := nanSeries(len(in))
	for i := n; i < len(in); i++ {
		out[i] = in[i-n]
	}
	return out
}

func ranges(high, low []float64) []float64 {
	out := make([]float64, len(high))
	for i := range high {
		out[i] = high[i] - low[i]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
