package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/config"
	"github.com/quantdesk/trader/internal/domain"
	"github.com/quantdesk/trader/internal/modules/market"
)

// Engine evaluates trade proposals against the firm's deterministic rules.
// Evaluation is pure: no store or network access, same inputs give the same
// report. Replay depends on this.
type Engine struct {
	limits config.RiskLimits
	logger zerolog.Logger
}

// NewEngine creates a new rule engine
func NewEngine(limits config.RiskLimits, logger zerolog.Logger) *Engine {
	return &Engine{
		limits: limits,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// entryPrice resolves the price a risk calculation should assume: the limit
// price for limit orders, the snapshot mark price for market orders. Returns
// false when no price is available.
func entryPrice(trade *domain.TradeIdea, snapshot *market.Snapshot) (float64, bool) {
	if trade.OrderType == domain.OrderTypeLimit {
		if trade.LimitPrice == nil {
			return 0, false
		}
		return *trade.LimitPrice, true
	}
	if snapshot == nil {
		return 0, false
	}
	mp := snapshot.MarkPrice(trade.Symbol)
	if mp <= 0 {
		return 0, false
	}
	return mp, true
}

// riskPerUnit is the adverse distance from entry to stop. Returns false when
// the stop sits on the wrong side of entry for the given direction.
func riskPerUnit(entry, stopLoss float64, side domain.Side) (float64, bool) {
	if entry <= 0 || stopLoss <= 0 {
		return 0, false
	}
	if side == domain.SideLong {
		if stopLoss >= entry {
			return 0, false
		}
		return entry - stopLoss, true
	}
	if stopLoss <= entry {
		return 0, false
	}
	return stopLoss - entry, true
}

func riskPctOfNotional(entry, stopLoss float64, side domain.Side) (float64, bool) {
	r, ok := riskPerUnit(entry, stopLoss, side)
	if !ok || entry == 0 {
		return 0, false
	}
	return r / entry, true
}

// projectedRR is reward distance over risk distance. Returns false when the
// take profit sits on the wrong side of entry or risk is degenerate.
func projectedRR(entry, stopLoss, takeProfit float64, side domain.Side) (float64, bool) {
	r, ok := riskPerUnit(entry, stopLoss, side)
	if !ok || r == 0 {
		return 0, false
	}
	var reward float64
	if side == domain.SideLong {
		if takeProfit <= entry {
			return 0, false
		}
		reward = takeProfit - entry
	} else {
		if takeProfit >= entry {
			return 0, false
		}
		reward = entry - takeProfit
	}
	if reward <= 0 {
		return 0, false
	}
	return reward / r, true
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

// Evaluate runs every rule against the proposal in a fixed order: firm daily
// stop, firm aggregate notional, then the per-trade rules in proposal order.
// Risk-reducing trades are never blocked.
func (e *Engine) Evaluate(proposal *domain.TradeProposal, firmState FirmState, agentBudgetUSDT float64, snapshot *market.Snapshot) ComplianceReport {
	report := ComplianceReport{
		AgentID:           proposal.AgentID,
		RunID:             proposal.RunID,
		CycleID:           proposal.CycleID,
		Timestamp:         time.Now().UTC(),
		HardViolations:    []Violation{},
		SoftViolations:    []Violation{},
		ResizeSuggestions: []ResizeSuggestion{},
	}

	firmMaxTotal := 0.0
	if firmState.CapitalUSDT > 0 && e.limits.FirmMaxTotalNotionalMult > 0 {
		firmMaxTotal = firmState.CapitalUSDT * e.limits.FirmMaxTotalNotionalMult
	}

	proposedIncrease := 0.0
	for i := range proposal.Trades {
		if proposal.Trades[i].Action.RiskIncreasing() {
			proposedIncrease += proposal.Trades[i].SizeUSDT
		}
	}

	// Daily stop: once breached, every risk-increasing trade is vetoed.
	// Risk-reducing trades stay allowed so the desk can get flat.
	if e.limits.FirmDailyStopPct > 0 && firmState.DrawdownPct >= e.limits.FirmDailyStopPct {
		for i := range proposal.Trades {
			trade := &proposal.Trades[i]
			if !trade.Action.RiskIncreasing() {
				continue
			}
			report.HardViolations = append(report.HardViolations, Violation{
				RuleID:   "firm.daily_stop",
				Severity: SeverityHard,
				Message: fmt.Sprintf("Firm drawdown %.4f exceeds daily stop %.4f; no new risk allowed.",
					firmState.DrawdownPct, e.limits.FirmDailyStopPct),
				AgentID:    proposal.AgentID,
				Symbol:     trade.Symbol,
				TradeIndex: intPtr(i),
				Data: map[string]interface{}{
					"drawdown_pct": firmState.DrawdownPct,
					"limit_pct":    e.limits.FirmDailyStopPct,
				},
			})
		}
	}

	// Firm aggregate notional cap, evaluated on the projected total.
	if firmMaxTotal > 0 && proposedIncrease > 0 {
		projected := firmState.TotalNotionalUSDT + proposedIncrease
		if projected > firmMaxTotal {
			overflow := projected - firmMaxTotal
			report.SoftViolations = append(report.SoftViolations, Violation{
				RuleID:   "firm.max_total_notional",
				Severity: SeveritySoft,
				Message: fmt.Sprintf("Projected firm notional %.2f exceeds max %.2f by %.2f; resize required.",
					projected, firmMaxTotal, overflow),
				AgentID: proposal.AgentID,
				Data: map[string]interface{}{
					"firm_total_notional_usdt":        firmState.TotalNotionalUSDT,
					"proposed_increase_notional_usdt": proposedIncrease,
					"firm_max_total_notional_usdt":    firmMaxTotal,
				},
			})
			allowed := firmMaxTotal - firmState.TotalNotionalUSDT
			if allowed < 0 {
				allowed = 0
			}
			mult := 0.0
			if allowed > 0 {
				mult = allowed / proposedIncrease
				if mult > 1 {
					mult = 1
				}
			}
			report.ResizeSuggestions = append(report.ResizeSuggestions, ResizeSuggestion{
				Symbol:            "*",
				SuggestedSizeMult: floatPtr(mult),
				Reason:            "Resize to satisfy firm max total notional constraint.",
			})
		}
	}

	for i := range proposal.Trades {
		trade := &proposal.Trades[i]
		e.evaluateTrade(&report, proposal, trade, i, firmState, agentBudgetUSDT, snapshot)
	}

	report.HardFail = len(report.HardViolations) > 0
	report.Passed = !report.HardFail

	if len(proposal.Trades) == 0 {
		report.Notes = "No trades in proposal; no risk checks triggered."
		return report
	}

	switch {
	case report.HardFail:
		report.Notes = "Hard violations present: manager must veto affected new-risk trades."
	case len(report.SoftViolations) > 0:
		report.Notes = "Soft violations present: manager may resize per suggestions."
	default:
		report.Notes = "No violations detected."
	}

	e.logger.Debug().
		Str("agent_id", proposal.AgentID).
		Int("hard", len(report.HardViolations)).
		Int("soft", len(report.SoftViolations)).
		Bool("passed", report.Passed).
		Msg("Proposal evaluated")

	return report
}

func (e *Engine) evaluateTrade(report *ComplianceReport, proposal *domain.TradeProposal, trade *domain.TradeIdea, i int, firmState FirmState, agentBudgetUSDT float64, snapshot *market.Snapshot) {
	increasing := trade.Action.RiskIncreasing()

	// Leverage cap applies to every action, including reduce/close.
	if trade.Leverage != nil && e.limits.FirmMaxLeveragePerPosition > 0 && *trade.Leverage > e.limits.FirmMaxLeveragePerPosition {
		report.HardViolations = append(report.HardViolations, Violation{
			RuleID:   "firm.max_leverage_per_position",
			Severity: SeverityHard,
			Message: fmt.Sprintf("Leverage %.2f exceeds firm max %.2f.",
				*trade.Leverage, e.limits.FirmMaxLeveragePerPosition),
			AgentID:    proposal.AgentID,
			Symbol:     trade.Symbol,
			TradeIndex: intPtr(i),
			Data: map[string]interface{}{
				"leverage": *trade.Leverage,
				"max":      e.limits.FirmMaxLeveragePerPosition,
			},
		})
	}

	if increasing && trade.StopLoss == nil {
		report.HardViolations = append(report.HardViolations, Violation{
			RuleID:     "trade.stop_loss_required",
			Severity:   SeverityHard,
			Message:    "Stop loss is required for risk-increasing trades.",
			AgentID:    proposal.AgentID,
			Symbol:     trade.Symbol,
			TradeIndex: intPtr(i),
		})
	}

	if increasing && trade.StopLoss != nil {
		if entry, ok := entryPrice(trade, snapshot); ok {
			if _, valid := riskPerUnit(entry, *trade.StopLoss, trade.Side); !valid {
				report.HardViolations = append(report.HardViolations, Violation{
					RuleID:     "trade.stop_loss_side",
					Severity:   SeverityHard,
					Message:    "Stop loss is on the wrong side of entry for the given side.",
					AgentID:    proposal.AgentID,
					Symbol:     trade.Symbol,
					TradeIndex: intPtr(i),
					Data: map[string]interface{}{
						"entry":     entry,
						"stop_loss": *trade.StopLoss,
						"side":      string(trade.Side),
					},
				})
			}
		}
	}

	if increasing && agentBudgetUSDT > 0 && trade.SizeUSDT > agentBudgetUSDT {
		report.SoftViolations = append(report.SoftViolations, Violation{
			RuleID:   "agent.budget_cap",
			Severity: SeveritySoft,
			Message: fmt.Sprintf("Trade size %.2f exceeds agent budget cap %.2f; resize required.",
				trade.SizeUSDT, agentBudgetUSDT),
			AgentID:    proposal.AgentID,
			Symbol:     trade.Symbol,
			TradeIndex: intPtr(i),
			Data: map[string]interface{}{
				"size_usdt":         trade.SizeUSDT,
				"agent_budget_usdt": agentBudgetUSDT,
			},
		})
		report.ResizeSuggestions = append(report.ResizeSuggestions, ResizeSuggestion{
			Symbol:            trade.Symbol,
			TradeIndex:        intPtr(i),
			SuggestedSizeUSDT: floatPtr(agentBudgetUSDT),
			Reason:            "Resize down to agent budget cap.",
		})
	}

	// Per-trade risk as a fraction of the agent budget. Being unable to
	// compute the number is itself a soft violation, never a silent pass.
	if increasing && agentBudgetUSDT > 0 && e.limits.AgentMaxRiskPctPerTrade > 0 && trade.StopLoss != nil {
		entry, ok := entryPrice(trade, snapshot)
		if !ok {
			report.SoftViolations = append(report.SoftViolations, Violation{
				RuleID:     "agent.risk_per_trade_uncomputable",
				Severity:   SeveritySoft,
				Message:    "Cannot compute per-trade risk without an entry price; add limit_price or provide mark_price context.",
				AgentID:    proposal.AgentID,
				Symbol:     trade.Symbol,
				TradeIndex: intPtr(i),
			})
		} else if rp, valid := riskPctOfNotional(entry, *trade.StopLoss, trade.Side); !valid {
			// Wrong-side stop already caught above; soft backstop here.
			report.SoftViolations = append(report.SoftViolations, Violation{
				RuleID:     "agent.risk_per_trade_invalid_stop",
				Severity:   SeveritySoft,
				Message:    "Cannot compute risk: stop appears invalid relative to entry.",
				AgentID:    proposal.AgentID,
				Symbol:     trade.Symbol,
				TradeIndex: intPtr(i),
				Data: map[string]interface{}{
					"entry":     entry,
					"stop_loss": *trade.StopLoss,
					"side":      string(trade.Side),
				},
			})
		} else {
			riskUSDT := trade.SizeUSDT * rp
			riskPctBudget := riskUSDT / agentBudgetUSDT
			if riskPctBudget > e.limits.AgentMaxRiskPctPerTrade {
				report.SoftViolations = append(report.SoftViolations, Violation{
					RuleID:   "agent.risk_per_trade_pct",
					Severity: SeveritySoft,
					Message: fmt.Sprintf("Estimated risk %.4f of agent budget exceeds max %.4f; resize required.",
						riskPctBudget, e.limits.AgentMaxRiskPctPerTrade),
					AgentID:    proposal.AgentID,
					Symbol:     trade.Symbol,
					TradeIndex: intPtr(i),
					Data: map[string]interface{}{
						"risk_pct_budget":     riskPctBudget,
						"max_risk_pct_budget": e.limits.AgentMaxRiskPctPerTrade,
						"entry":               entry,
						"stop_loss":           *trade.StopLoss,
					},
				})
				targetSize := trade.SizeUSDT * (e.limits.AgentMaxRiskPctPerTrade / riskPctBudget)
				if targetSize < 0 {
					targetSize = 0
				}
				report.ResizeSuggestions = append(report.ResizeSuggestions, ResizeSuggestion{
					Symbol:            trade.Symbol,
					TradeIndex:        intPtr(i),
					SuggestedSizeUSDT: floatPtr(targetSize),
					Reason:            "Resize down to satisfy max per-trade risk % of budget.",
				})
			}
		}
	}

	// Volatility circuit breaker: new risk in a spiking symbol gets a size
	// reduction suggestion.
	if increasing && e.limits.VolSpikeSizeReductionMult > 0 && snapshot != nil {
		if regime := snapshot.VolRegime(trade.Symbol); regime == market.RegimeHighVol {
			report.SoftViolations = append(report.SoftViolations, Violation{
				RuleID:   "circuit.vol_spike_size_reduction",
				Severity: SeveritySoft,
				Message: fmt.Sprintf("High volatility regime detected (%s); reduce size by %.2fx.",
					regime, e.limits.VolSpikeSizeReductionMult),
				AgentID:    proposal.AgentID,
				Symbol:     trade.Symbol,
				TradeIndex: intPtr(i),
				Data: map[string]interface{}{
					"vol_regime": regime,
					"size_mult":  e.limits.VolSpikeSizeReductionMult,
				},
			})
			report.ResizeSuggestions = append(report.ResizeSuggestions, ResizeSuggestion{
				Symbol:            trade.Symbol,
				TradeIndex:        intPtr(i),
				SuggestedSizeMult: floatPtr(e.limits.VolSpikeSizeReductionMult),
				Reason:            "Circuit breaker: reduce size during volatility spike regime.",
			})
		}
	}

	if increasing && trade.TakeProfit == nil {
		report.SoftViolations = append(report.SoftViolations, Violation{
			RuleID:     "trade.take_profit_missing",
			Severity:   SeveritySoft,
			Message:    "Take profit is missing; consider defining an exit target or conditions.",
			AgentID:    proposal.AgentID,
			Symbol:     trade.Symbol,
			TradeIndex: intPtr(i),
		})
	}

	if increasing && trade.StopLoss != nil && trade.TakeProfit != nil {
		if entry, ok := entryPrice(trade, snapshot); ok {
			if rr, valid := projectedRR(entry, *trade.StopLoss, *trade.TakeProfit, trade.Side); valid && rr < 1.0 {
				report.SoftViolations = append(report.SoftViolations, Violation{
					RuleID:     "trade.rr_below_1",
					Severity:   SeveritySoft,
					Message:    fmt.Sprintf("Projected risk:reward %.2f is below 1.0.", rr),
					AgentID:    proposal.AgentID,
					Symbol:     trade.Symbol,
					TradeIndex: intPtr(i),
					Data:       map[string]interface{}{"rr": rr},
				})
			}
		}
	}
}
