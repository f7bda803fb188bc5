package indicators

import "math"

// HVF scores volume contraction over the lookback bars preceding each bar:
// 0.6 weight on how much the second half's volume spread shrank relative
// to the first half, 0.4 on how much the average volume declined. The
// result is in [0, 1].
func HVF(volume []float64, lookback int) []float64 {
	out := make([]float64, len(volume))
	half := lookback / 2
	if half == 0 {
		return out
	}
	for i := lookback; i < len(volume); i++ {
		window := volume[i-lookback : i]
		first, second := window[:half], window[half:]

		spread1 := spread(first)
		if spread1 <= 0 {
			continue
		}
		contraction := clamp(1-spread(second)/spread1, 0, 1)

		decline := 0.0
		if avg1 := mean(first); avg1 > 0 {
			decline = clamp(1-mean(second)/avg1, 0, 1)
		}
		out[i] = contraction*0.6 + decline*0.4
	}
	return out
}

func spread(xs []float64) float64 {
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, v := range xs {
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	return hi - lo
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}
