package regime

import "regimebot/internal/models"

// TimeframeParams scales classifier thresholds for bar noise. Shorter
// timeframes get a larger NoiseAdj, which relaxes every ADX band.
type TimeframeParams struct {
	NoiseAdj     float64
	LookbackMult float64
	HVFThreshold float64
}

type Table map[models.Timeframe]TimeframeParams

var fallbackParams = TimeframeParams{NoiseAdj: 1.0, LookbackMult: 1, HVFThreshold: 0.75}

func DefaultTable() Table {
	return Table{
		models.Timeframe1m:  {NoiseAdj: 1.5, LookbackMult: 1, HVFThreshold: 0.75},
		models.Timeframe5m:  {NoiseAdj: 1.3, LookbackMult: 2, HVFThreshold: 0.8},
		models.Timeframe15m: {NoiseAdj: 1.15, LookbackMult: 1.5, HVFThreshold: 0.8},
		models.Timeframe1h:  {NoiseAdj: 1.0, LookbackMult: 1, HVFThreshold: 0.75},
		models.Timeframe4h:  {NoiseAdj: 0.85, LookbackMult: 1, HVFThreshold: 0.75},
	}
}

func (t Table) clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
