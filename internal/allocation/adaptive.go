package allocation

import (
	"math"

	"regimebot/internal/models"
)

// Params are the per-deal percentages the adaptive layer tunes.
type Params struct {
	TPPct  float64 `json:"tp_pct"`
	DevPct float64 `json:"dev_pct"`
}

type AdaptiveConfig struct {
	BaseTPPct          float64
	BaseDevPct         float64
	ATRBaselinePct     float64
	DevTPFloorMult     float64
	TPUpdateThreshold  float64
	DevUpdateThreshold float64
	TPMult             map[models.Regime]float64
	DevMult            map[models.Regime]float64
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BaseTPPct:          1.5,
		BaseDevPct:         2.5,
		ATRBaselinePct:     0.8,
		DevTPFloorMult:     1.5,
		TPUpdateThreshold:  0.1,
		DevUpdateThreshold: 0.15,
		TPMult: map[models.Regime]float64{
			models.RegimeAccumulation:    0.85,
			models.RegimeChoppy:          0.90,
			models.RegimeRanging:         0.85,
			models.RegimeDistribution:    0.90,
			models.RegimeMildTrend:       1.05,
			models.RegimeTrending:        1.20,
			models.RegimeExtreme:         0.70,
			models.RegimeBreakoutWarning: 0.80,
			models.RegimeUnknown:         1.0,
		},
		DevMult: map[models.Regime]float64{
			models.RegimeAccumulation:    0.85,
			models.RegimeChoppy:          0.90,
			models.RegimeRanging:         0.80,
			models.RegimeDistribution:    0.90,
			models.RegimeMildTrend:       1.10,
			models.RegimeTrending:        1.30,
			models.RegimeExtreme:         1.50,
			models.RegimeBreakoutWarning: 1.20,
			models.RegimeUnknown:         1.0,
		},
	}
}

// Adaptive scales TP and deviation by volatility relative to a baseline.
type Adaptive struct {
	cfg     AdaptiveConfig
	tpMult  map[models.Regime]float64
	devMult map[models.Regime]float64
	profile Profile
}

func NewAdaptive(cfg AdaptiveConfig, profile Profile) *Adaptive {
	a := &Adaptive{cfg: cfg, profile: profile, tpMult: map[models.Regime]float64{}, devMult: map[models.Regime]float64{}}
	for k, v := range cfg.TPMult {
		a.tpMult[k] = v
	}
	for k, v := range cfg.DevMult {
		a.devMult[k] = v
	}
	return a
}

func (a *Adaptive) Initial() Params {
	tp := clampRange(a.cfg.BaseTPPct, a.profile.TPMinPct, a.profile.TPMaxPct)
	dev := clampRange(a.cfg.BaseDevPct, a.profile.DevMinPct, a.profile.DevMaxPct)
	return Params{TPPct: tp, DevPct: math.Min(math.Max(dev, tp*a.cfg.DevTPFloorMult), a.profile.DevMaxPct)}
}

func (a *Adaptive) Compute(r models.Regime, atrPct float64) Params {
	if atrPct <= 0 || math.IsNaN(atrPct) {
		return a.Initial()
	}
	ratio := atrPct / a.cfg.ATRBaselinePct

	tp := a.cfg.BaseTPPct * ratio * mult(a.tpMult, r)
	tp = round3(clampRange(tp, a.profile.TPMinPct, a.profile.TPMaxPct))

	dev := a.cfg.BaseDevPct * ratio * mult(a.devMult, r)
	dev = clampRange(dev, a.profile.DevMinPct, a.profile.DevMaxPct)
	dev = math.Max(dev, tp*a.cfg.DevTPFloorMult)
	dev = round3(math.Min(dev, a.profile.DevMaxPct))
	return Params{TPPct: tp, DevPct: dev}
}

// Update returns the recomputed params and whether the change is large
// enough to act on. Below both thresholds the current params are kept.
func (a *Adaptive) Update(current Params, r models.Regime, atrPct float64) (Params, bool) {
	next := a.Compute(r, atrPct)
	tpMoved := math.Abs(next.TPPct-current.TPPct) >= a.cfg.TPUpdateThreshold
	devMoved := math.Abs(next.DevPct-current.DevPct) >= a.cfg.DevUpdateThreshold
	if !tpMoved && !devMoved {
		return current, false
	}
	return next, true
}

// ATRDeviationMult widens the ladder in volatile markets.
func ATRDeviationMult(atrPct float64) float64 {
	switch {
	case atrPct < 1.0:
		return 0.75
	case atrPct < 2.5:
		return 1.0
	case atrPct < 4.0:
		return 1.5
	default:
		return 2.0
	}
}

func mult(m map[models.Regime]float64, r models.Regime) float64 {
	if v, ok := m[r]; ok {
		return v
	}
	return 1.0
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
