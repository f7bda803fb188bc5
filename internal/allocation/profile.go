package allocation

import (
	"errors"
	"fmt"
	"strings"
)

type ProfileName string

const (
	ProfileLow    ProfileName = "low"
	ProfileMedium ProfileName = "medium"
	ProfileHigh   ProfileName = "high"
)

// Profile is one risk bundle. Percent fields are in percent units
// (1.5 = 1.5%), fraction fields are in [0, 1].
type Profile struct {
	Name            ProfileName `json:"name" mapstructure:"name"`
	Leverage        float64     `json:"leverage" mapstructure:"leverage"`
	MaxSafetyOrders int         `json:"max_safety_orders" mapstructure:"max_safety_orders"`
	SOVolumeMult    float64     `json:"so_volume_mult" mapstructure:"so_volume_mult"`
	BaseOrderFrac   float64     `json:"base_order_frac" mapstructure:"base_order_frac"`
	MarginReserve   float64     `json:"margin_reserve" mapstructure:"margin_reserve"`
	TPMinPct        float64     `json:"tp_min_pct" mapstructure:"tp_min_pct"`
	TPMaxPct        float64     `json:"tp_max_pct" mapstructure:"tp_max_pct"`
	DevMinPct       float64     `json:"dev_min_pct" mapstructure:"dev_min_pct"`
	DevMaxPct       float64     `json:"dev_max_pct" mapstructure:"dev_max_pct"`
	ExtremeAlloc    Split       `json:"extreme_alloc" mapstructure:"extreme_alloc"`
	MaxBias         float64     `json:"max_bias" mapstructure:"max_bias"`
}

var profiles = map[ProfileName]Profile{
	ProfileLow: {
		Name: ProfileLow, Leverage: 1, MaxSafetyOrders: 8, SOVolumeMult: 2.0,
		BaseOrderFrac: 0.04, MarginReserve: 0.10,
		TPMinPct: 0.6, TPMaxPct: 2.5, DevMinPct: 1.2, DevMaxPct: 4.0,
		ExtremeAlloc: Split{}, MaxBias: 0.75,
	},
	ProfileMedium: {
		Name: ProfileMedium, Leverage: 2, MaxSafetyOrders: 12, SOVolumeMult: 2.5,
		BaseOrderFrac: 0.06, MarginReserve: 0.05,
		TPMinPct: 0.4, TPMaxPct: 2.0, DevMinPct: 0.8, DevMaxPct: 3.0,
		ExtremeAlloc: Split{Long: 0.2, Short: 0.2}, MaxBias: 0.85,
	},
	ProfileHigh: {
		Name: ProfileHigh, Leverage: 5, MaxSafetyOrders: 16, SOVolumeMult: 3.0,
		BaseOrderFrac: 0.08, MarginReserve: 0.02,
		TPMinPct: 0.2, TPMaxPct: 1.5, DevMinPct: 0.5, DevMaxPct: 2.0,
		ExtremeAlloc: Split{Long: 0.4, Short: 0.4}, MaxBias: 0.95,
	},
}

func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[ProfileName(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Profile{}, fmt.Errorf("Неизвестный профиль риска: %q", name)
	}
	return p, nil
}

func Profiles() []Profile {
	return []Profile{profiles[ProfileLow], profiles[ProfileMedium], profiles[ProfileHigh]}
}

func (p Profile) Validate() error {
	var errs []error
	if p.Leverage < 1 || p.Leverage > 20 {
		errs = append(errs, fmt.Errorf("leverage вне диапазона [1, 20]: %v", p.Leverage))
	}
	if p.MaxSafetyOrders < 0 || p.MaxSafetyOrders > 50 {
		errs = append(errs, fmt.Errorf("max_safety_orders вне диапазона [0, 50]: %d", p.MaxSafetyOrders))
	}
	if p.SOVolumeMult < 1 {
		errs = append(errs, fmt.Errorf("so_volume_mult меньше 1: %v", p.SOVolumeMult))
	}
	if p.BaseOrderFrac <= 0 || p.BaseOrderFrac > 1 {
		errs = append(errs, fmt.Errorf("base_order_frac вне диапазона (0, 1]: %v", p.BaseOrderFrac))
	}
	if p.MarginReserve < 0 || p.MarginReserve >= 1 {
		errs = append(errs, fmt.Errorf("margin_reserve вне диапазона [0, 1): %v", p.MarginReserve))
	}
	if p.TPMinPct <= 0 || p.TPMinPct > p.TPMaxPct {
		errs = append(errs, fmt.Errorf("некорректный диапазон TP: [%v, %v]", p.TPMinPct, p.TPMaxPct))
	}
	if p.DevMinPct <= 0 || p.DevMinPct > p.DevMaxPct {
		errs = append(errs, fmt.Errorf("некорректный диапазон отклонения: [%v, %v]", p.DevMinPct, p.DevMaxPct))
	}
	if err := p.ExtremeAlloc.validate(); err != nil {
		errs = append(errs, fmt.Errorf("extreme_alloc: %w", err))
	}
	if p.MaxBias < 0.5 || p.MaxBias > 1 {
		errs = append(errs, fmt.Errorf("max_bias вне диапазона [0.5, 1]: %v", p.MaxBias))
	}
	return errors.Join(errs...)
}
