package deal

import (
	"math"

	"github.com/shopspring/decimal"

	"regimebot/internal/models"
)

func CalcAvgPrice(totalCost, totalQty float64) float64 {
	if totalQty == 0 {
		return 0
	}
	return totalCost / totalQty
}

func CalcTPPrice(avgPrice, tpPercent float64, dir models.Direction) float64 {
	factor := tpPercent / 100.0
	if dir == models.Short {
		return avgPrice * (1 - factor)
	}
	return avgPrice * (1 + factor)
}

// Deviation is the cumulative distance of ladder level n from the entry, in
// percent: step, then step*mult, step*mult^2 and so on, summed.
func Deviation(n int, stepPct, stepMult float64) float64 {
	total := 0.0
	for i := 0; i < n; i++ {
		total += stepPct * math.Pow(stepMult, float64(i))
	}
	return total
}

func LevelPrice(entry float64, n int, stepPct, stepMult float64, dir models.Direction) float64 {
	dev := Deviation(n, stepPct, stepMult) / 100.0
	if dir == models.Short {
		return entry * (1 + dev)
	}
	return entry * (1 - dev)
}

func LevelSize(baseSize float64, n int, sizeMult float64) float64 {
	return baseSize * math.Pow(sizeMult, float64(n))
}

// CalcSafetyOrders builds the ladder below (LONG) or above (SHORT) the
// entry. It stops at the first level whose size or quantity is under the
// exchange minimums, or whose price would be non-positive.
func CalcSafetyOrders(entry, baseSize float64, p Params, dir models.Direction) []Level {
	var levels []Level
	for n := 1; n <= p.MaxSafetyOrders; n++ {
		price := LevelPrice(entry, n, p.DevPct, p.DevMult, dir)
		size := LevelSize(baseSize, n, p.SOMult)
		if price <= 0 || !p.meetsMinimum(size, price) {
			break
		}
		levels = append(levels, Level{Index: n, Price: price, Size: size})
	}
	return levels
}

// RoundDown quantizes value down to a multiple of step.
func RoundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	v := decimal.NewFromFloat(value).Div(s).Floor().Mul(s)
	f, _ := v.Float64()
	return f
}

// RoundNearest quantizes value to the closest multiple of step.
func RoundNearest(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	v := decimal.NewFromFloat(value).Div(s).Round(0).Mul(s)
	f, _ := v.Float64()
	return f
}
