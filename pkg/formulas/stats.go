package formulas

import (
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// CalculateReturns converts an equity curve to percentage returns
// Returns[i] = (Equity[i] - Equity[i-1]) / Equity[i-1]
func CalculateReturns(curve []float64) []float64 {
	if len(curve) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] != 0 {
			returns[i-1] = (curve[i] - curve[i-1]) / curve[i-1]
		}
	}

	return returns
}
