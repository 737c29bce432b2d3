package formulas

// WinRate calculates the percentage of profitable closed trades.
// Expects one realized P&L value per closed trade.
func WinRate(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}

	wins := 0
	for _, pnl := range pnls {
		if pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls)) * 100.0
}

// ProfitFactor calculates Gross Profit / Gross Loss over realized trades.
// Returns nil when there are no losing trades to divide by.
func ProfitFactor(pnls []float64) *float64 {
	var grossProfit, grossLoss float64
	for _, pnl := range pnls {
		if pnl > 0 {
			grossProfit += pnl
		} else if pnl < 0 {
			grossLoss += -pnl
		}
	}
	if grossLoss == 0 {
		return nil
	}

	factor := grossProfit / grossLoss
	return &factor
}

// AvgWinLossRatio calculates Average Win / Average Loss over realized
// trades. Returns nil unless both wins and losses exist.
func AvgWinLossRatio(pnls []float64) *float64 {
	var wins, losses []float64
	for _, pnl := range pnls {
		if pnl > 0 {
			wins = append(wins, pnl)
		} else if pnl < 0 {
			losses = append(losses, -pnl)
		}
	}
	if len(wins) == 0 || len(losses) == 0 {
		return nil
	}

	avgLoss := Mean(losses)
	if avgLoss == 0 {
		return nil
	}

	ratio := Mean(wins) / avgLoss
	return &ratio
}
