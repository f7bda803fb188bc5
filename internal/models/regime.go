package models

import (
	"fmt"
	"strings"
)

type Regime uint8

const (
	RegimeUnknown Regime = iota
	RegimeChoppy
	RegimeRanging
	RegimeMildTrend
	RegimeTrending
	RegimeExtreme
	RegimeAccumulation
	RegimeDistribution
	RegimeBreakoutWarning
)

var regimeNames = [...]string{
	RegimeUnknown:         "UNKNOWN",
	RegimeChoppy:          "CHOPPY",
	RegimeRanging:         "RANGING",
	RegimeMildTrend:       "MILD_TREND",
	RegimeTrending:        "TRENDING",
	RegimeExtreme:         "EXTREME",
	RegimeAccumulation:    "ACCUMULATION",
	RegimeDistribution:    "DISTRIBUTION",
	RegimeBreakoutWarning: "BREAKOUT_WARNING",
}

// AllRegimes lists every label, UNKNOWN included.
func AllRegimes() []Regime {
	out := make([]Regime, len(regimeNames))
	for i := range regimeNames {
		out[i] = Regime(i)
	}
	return out
}

func (r Regime) String() string {
	if int(r) < len(regimeNames) {
		return regimeNames[r]
	}
	return fmt.Sprintf("Regime(%d)", uint8(r))
}

func (r Regime) Valid() bool {
	return int(r) < len(regimeNames)
}

// Directional regimes flip their allocation when the trend is bearish.
func (r Regime) Directional() bool {
	switch r {
	case RegimeMildTrend, RegimeTrending, RegimeDistribution:
		return true
	}
	return false
}

func ParseRegime(s string) (Regime, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range regimeNames {
		if n == name {
			return Regime(i), nil
		}
	}
	return RegimeUnknown, fmt.Errorf("Неизвестный режим рынка: %q", s)
}

func (r Regime) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("Неизвестный режим рынка: %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Regime) UnmarshalText(b []byte) error {
	parsed, err := ParseRegime(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
