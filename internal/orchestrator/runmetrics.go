package orchestrator

import (
	"github.com/quantdesk/trader/pkg/formulas"
)

// RunMetrics is the run-level performance rollup computed from the stored
// cycle report series. Ratio fields are nil until enough history exists.
type RunMetrics struct {
	Cycles             int      `json:"cycles"`
	EquityUSDT         float64  `json:"equity_usdt"`
	RoiPct             float64  `json:"roi_pct"`
	MaxDrawdownPct     float64  `json:"max_drawdown_pct"`
	CurrentDrawdownPct float64  `json:"current_drawdown_pct"`
	SharpeRatio        *float64 `json:"sharpe_ratio,omitempty"`
	SortinoRatio       *float64 `json:"sortino_ratio,omitempty"`
	WinRatePct         float64  `json:"win_rate_pct"`
	ProfitFactor       *float64 `json:"profit_factor,omitempty"`
	AvgWinLoss         *float64 `json:"avg_win_loss,omitempty"`
	ClosedTrades       int      `json:"closed_trades"`
}

// BuildRunMetrics derives performance metrics from a run's cycle reports in
// order. Firm equity per cycle is initial capital plus cumulative realized
// P&L plus that cycle's unrealized P&L; the starting capital anchors the
// equity curve.
func BuildRunMetrics(capitalUSDT float64, reports []CycleReport, periodsPerYear int) RunMetrics {
	metrics := RunMetrics{
		Cycles:     len(reports),
		EquityUSDT: capitalUSDT,
	}

	curve := make([]float64, 0, len(reports)+1)
	curve = append(curve, capitalUSDT)

	var pnls []float64
	cumRealized := 0.0
	for i := range reports {
		r := &reports[i]
		cumRealized += r.Firm.RealizedPnlUSDT
		curve = append(curve, capitalUSDT+cumRealized+r.Firm.UnrealizedPnlUSDT)
		for j := range r.Fills {
			if r.Fills[j].RealizedPnl != 0 {
				pnls = append(pnls, r.Fills[j].RealizedPnl)
			}
		}
	}

	metrics.EquityUSDT = curve[len(curve)-1]
	if capitalUSDT > 0 {
		metrics.RoiPct = (metrics.EquityUSDT - capitalUSDT) / capitalUSDT * 100.0
	}

	if dd := formulas.CalculateDrawdownMetrics(curve); dd != nil {
		metrics.MaxDrawdownPct = dd.MaxDrawdown * 100.0
		metrics.CurrentDrawdownPct = dd.CurrentDrawdown * 100.0
	}

	returns := formulas.CalculateReturns(curve)
	metrics.SharpeRatio = formulas.CalculateSharpeRatio(returns, 0, periodsPerYear)
	metrics.SortinoRatio = formulas.CalculateSortinoRatio(returns, 0, periodsPerYear)

	metrics.ClosedTrades = len(pnls)
	metrics.WinRatePct = formulas.WinRate(pnls)
	metrics.ProfitFactor = formulas.ProfitFactor(pnls)
	metrics.AvgWinLoss = formulas.AvgWinLossRatio(pnls)

	return metrics
}

// periodsPerYear converts the cycle cadence to an annualization factor.
func periodsPerYear(cadenceMinutes int) int {
	if cadenceMinutes <= 0 {
		cadenceMinutes = 6
	}
	return 365 * 24 * 60 / cadenceMinutes
}
