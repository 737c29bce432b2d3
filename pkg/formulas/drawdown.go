package formulas

// DrawdownMetrics represents drawdown analysis of an equity curve
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`      // Maximum drawdown (as positive fraction, e.g., 0.25 = 25% drawdown)
	CurrentDrawdown float64 `json:"current_drawdown"`  // Current drawdown from peak
	CyclesInDrawdown int    `json:"cycles_in_drawdown"` // Cycles since peak equity
	PeakValue       float64 `json:"peak_value"`        // Equity at peak
	CurrentValue    float64 `json:"current_value"`     // Current equity
}

// CalculateMaxDrawdown calculates the maximum drawdown of an equity curve
//
// Drawdown Formula:
//   Drawdown = (Peak Equity - Current Equity) / Peak Equity
//   Max Drawdown = Maximum of all drawdowns
//
// Returns a positive fraction (0.25 = 25% loss from peak) or nil when the
// curve is too short.
func CalculateMaxDrawdown(curve []float64) *float64 {
	if len(curve) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := curve[0]

	for _, value := range curve {
		if value > peak {
			peak = value
		}
		if peak > 0 {
			drawdown := (peak - value) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	return &maxDrawdown
}

// CalculateDrawdownMetrics calculates comprehensive drawdown metrics
// including current drawdown, cycles in drawdown, and peak equity
func CalculateDrawdownMetrics(curve []float64) *DrawdownMetrics {
	if len(curve) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := curve[0]
	peakIndex := 0
	currentValue := curve[len(curve)-1]

	for i, value := range curve {
		if value > peak {
			peak = value
			peakIndex = i
		}
		if peak > 0 {
			drawdown := (peak - value) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	currentDrawdown := 0.0
	if peak > 0 {
		currentDrawdown = (peak - currentValue) / peak
	}

	return &DrawdownMetrics{
		MaxDrawdown:      maxDrawdown,
		CurrentDrawdown:  currentDrawdown,
		CyclesInDrawdown: len(curve) - 1 - peakIndex,
		PeakValue:        peak,
		CurrentValue:     currentValue,
	}
}
