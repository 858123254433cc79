package sizing

import "github.com/shopspring/decimal"

// FloorToStep rounds qty down to a multiple of step. A non-positive step
// leaves qty unchanged.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).Float64()
	return f
}

// CeilToStep rounds qty up to a multiple of step.
func CeilToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(qty).Div(s).Ceil().Mul(s).Float64()
	return f
}
