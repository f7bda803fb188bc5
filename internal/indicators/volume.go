package indicators

type Climax int8

const (
	ClimaxNone Climax = iota
	ClimaxSelling
	ClimaxBuying
)

type VolumeDirection int8

const (
	VolumeFlat VolumeDirection = iota
	VolumeIncreasing
	VolumeDecreasing
)

// VolumeClimax flags bars with volume above 1.5x and range above 1.2x their
// lookback averages. A close in the bottom 35% of the bar is a selling
// climax, in the top 35% a buying climax.
func VolumeClimax(high, low, close, volume []float64, lookback int) []Climax {
	out := make([]Climax, len(close))
	rng := ranges(high, low)
	volAvg := SMA(volume, lookback)
	rngAvg := SMA(rng, lookback)
	for i := range close {
		if isNaN(volAvg[i]) || isNaN(rngAvg[i]) || rng[i] == 0 {
			continue
		}
		if volume[i] <= volAvg[i]*1.5 || rng[i] <= rngAvg[i]*1.2 {
			continue
		}
		pos := (close[i] - low[i]) / rng[i]
		switch {
		case pos < 0.35:
			out[i] = ClimaxSelling
		case pos > 0.65:
			out[i] = ClimaxBuying
		}
	}
	return out
}

// Spring flags a low that breaks the previous lookback support while the
// close recovers above it.
func Spring(low, close []float64, lookback int) []bool {
	out := make([]bool, len(close))
	support := shift(rollingMin(low, lookback), 1)
	for i := range close {
		if isNaN(support[i]) {
			continue
		}
		out[i] = low[i] < support[i] && close[i] > support[i]
	}
	return out
}

// VolumeTrend compares the volume average with the same average one period
// earlier.
func VolumeTrend(volume []float64, period int) []VolumeDirection {
	out := make([]VolumeDirection, len(volume))
	ma := SMA(volume, period)
	prev := shift(ma, period)
	for i := range volume {
		if isNaN(ma[i]) || isNaN(prev[i]) || prev[i] == 0 {
			continue
		}
		ratio := ma[i] / prev[i]
		switch {
		case ratio > 1.1:
			out[i] = VolumeIncreasing
		case ratio < 0.9:
			out[i] = VolumeDecreasing
		}
	}
	return out
}

// RangeTightening is the bar range over its average; below 1 means the
// range is contracting.
func RangeTightening(high, low []float64, period int) []float64 {
	rng := ranges(high, low)
	avg := SMA(rng, period)
	out := nanSeries(len(rng))
	for i := range rng {
		if isNaN(avg[i]) || avg[i] == 0 {
			continue
		}
		out[i] = rng[i] / avg[i]
	}
	return out
}

// VolumeRatio is volume over its average, with a missing or zero average
// treated as 1.
func VolumeRatio(volume, volumeSMA []float64) []float64 {
	out := make([]float64, len(volume))
	for i := range volume {
		avg := volumeSMA[i]
		if isNaN(avg) || avg <= 0 {
			avg = 1
		}
		v := volume[i]
		if isNaN(v) {
			v = 0
		}
		out[i] = v / avg
	}
	return out
}
