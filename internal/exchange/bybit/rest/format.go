package rest

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// formatWithStep floors value to a multiple of step and prints it with the
// step's precision.
func formatWithStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	s := decimal.NewFromFloat(step)
	q := decimal.NewFromFloat(value).Div(s).Floor().Mul(s)
	return q.StringFixed(stepDecimals(s))
}

func stepDecimals(step decimal.Decimal) int32 {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

func parseFloatOrZero(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(value, 64)
}
