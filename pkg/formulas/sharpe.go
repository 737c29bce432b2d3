package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the annualized Sharpe Ratio
//
// Sharpe Ratio Formula:
//
//	Sharpe = (Mean Return - Periodic Risk-free Rate) / Standard Deviation of Returns
//	Annualized: Sharpe × sqrt(periods per year)
//
// Args:
//
//	returns: Array of periodic returns (one per cycle)
//	riskFreeRate: Risk-free rate (annual, as decimal, e.g., 0.02 for 2%)
//	periodsPerYear: Number of periods per year (87600 for 6-minute cycles)
//
// Returns:
//
//	Sharpe ratio or nil if insufficient data
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 {
		return nil
	}

	meanReturn := Mean(returns)
	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (meanReturn - periodicRiskFree) / stdDev

	annualizedSharpe := sharpe * math.Sqrt(float64(periodsPerYear))
	return &annualizedSharpe
}

// CalculateSortinoRatio calculates the annualized Sortino Ratio (downside
// deviation version of Sharpe). Only returns below the target count toward
// the deviation.
//
// Args:
//
//	returns: Array of periodic returns
//	targetReturn: Minimum acceptable return (annual, as decimal)
//	periodsPerYear: Number of periods per year
//
// Returns:
//
//	Sortino ratio or nil if there is no downside to measure
func CalculateSortinoRatio(returns []float64, targetReturn float64, periodsPerYear int) *float64 {
	if len(returns) < 2 {
		return nil
	}

	meanReturn := Mean(returns)
	periodicTarget := targetReturn / float64(periodsPerYear)

	var downsideSquaredSum float64
	downsideCount := 0
	for _, ret := range returns {
		if ret < periodicTarget {
			deviation := ret - periodicTarget
			downsideSquaredSum += deviation * deviation
			downsideCount++
		}
	}
	if downsideCount == 0 {
		return nil
	}

	downsideDeviation := math.Sqrt(downsideSquaredSum / float64(downsideCount))
	if downsideDeviation == 0 {
		return nil
	}

	sortino := (meanReturn - periodicTarget) / downsideDeviation

	annualizedSortino := sortino * math.Sqrt(float64(periodsPerYear))
	return &annualizedSortino
}
