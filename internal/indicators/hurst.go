package indicators

import (
	"math"
	"sort"
)

const (
	HurstMinChunk = 8
	HurstMaxChunk = 64
	// Hurst is indeterminate below this many chunk-size observations.
	hurstMinPoints = 4
	hurstSizes     = 15
)

// HurstWindow is the number of closes the rolling estimate looks back over.
func HurstWindow(maxChunk int) int {
	return max(maxChunk*2, 60)
}

// Hurst returns the rolling Hurst exponent estimated by rescaled-range
// analysis over the HurstWindow closes preceding each bar. Bars without a
// full window, or where fewer than four chunk sizes produce a usable R/S,
// are NaN.
func Hurst(close []float64, minChunk, maxChunk int) []float64 {
	out := nanSeries(len(close))
	window := HurstWindow(maxChunk)
	sizes := chunkSizes(minChunk, maxChunk, hurstSizes)

	returns := make([]float64, window-1)
	for i := window; i < len(close); i++ {
		segment := close[i-window : i]
		if !logReturns(segment, returns) {
			continue
		}
		if len(returns) < minChunk*2 {
			continue
		}
		if h, ok := HurstRS(returns, sizes); ok {
			out[i] = h
		}
	}
	return out
}

// HurstRS fits log(mean R/S) against log(chunk size) and clamps the slope
// to [0.01, 0.99].
func HurstRS(returns []float64, sizes []int) (float64, bool) {
	logN := make([]float64, 0, len(sizes))
	logRS := make([]float64, 0, len(sizes))
	for _, cs := range sizes {
		chunks := len(returns) / cs
		if chunks < 1 {
			continue
		}
		sum, count := 0.0, 0
		for k := 0; k < chunks; k++ {
			if rs, ok := rescaledRange(returns[k*cs : (k+1)*cs]); ok {
				sum += rs
				count++
			}
		}
		if count == 0 {
			continue
		}
		logN = append(logN, math.Log(float64(cs)))
		logRS = append(logRS, math.Log(sum/float64(count)))
	}
	if len(logN) < hurstMinPoints {
		return 0.5, false
	}
	return clamp(slope(logN, logRS), 0.01, 0.99), true
}

func rescaledRange(chunk []float64) (float64, bool) {
	n := float64(len(chunk))
	if len(chunk) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range chunk {
		mean += v
	}
	mean /= n

	cum, hi, lo, ss := 0.0, math.Inf(-1), math.Inf(1), 0.0
	for _, v := range chunk {
		d := v - mean
		cum += d
		hi = math.Max(hi, cum)
		lo = math.Min(lo, cum)
		ss += d * d
	}
	std := math.Sqrt(ss / (n - 1))
	if std <= 0 {
		return 0, false
	}
	return (hi - lo) / std, true
}

func logReturns(prices, dst []float64) bool {
	for i := 1; i < len(prices); i++ {
		if isNaN(prices[i]) || isNaN(prices[i-1]) || prices[i] <= 0 || prices[i-1] <= 0 {
			return false
		}
		dst[i-1] = math.Log(prices[i]) - math.Log(prices[i-1])
	}
	return true
}

// chunkSizes returns the distinct truncated values of a geometric range.
func chunkSizes(lo, hi, num int) []int {
	seen := map[int]bool{}
	var out []int
	ratio := math.Log(float64(hi) / float64(lo))
	for i := 0; i < num; i++ {
		v := float64(lo) * math.Exp(ratio*float64(i)/float64(num-1))
		if i == num-1 {
			v = float64(hi)
		}
		n := int(v + 1e-9)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func slope(x, y []float64) float64 {
	n := float64(len(x))
	var sx, sy, sxx, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0.5
	}
	return (n*sxy - sx*sy) / den
}
