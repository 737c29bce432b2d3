package planning

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/domain"
)

// PlanError means the decision set and the proposals it references do not
// line up. Plans are never partially built: one bad decision item fails the
// whole cycle's plan.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("order plan error: %s", e.Reason)
}

// Planner converts manager approvals and resizes into an executable order
// plan. Planning is a pure transform: no store, no exchange, re-planning the
// same decision yields a byte-identical plan.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a new order planner
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger.With().Str("component", "planner").Logger()}
}

func entrySide(side domain.Side) OrderSide {
	if side == domain.SideLong {
		return SideBuy
	}
	return SideSell
}

func exitSide(side domain.Side) OrderSide {
	if side == domain.SideLong {
		return SideSell
	}
	return SideBuy
}

// BuildPlan resolves each approve/resize decision against its source trade
// idea and emits the entry leg plus reduce-only stop/take-profit legs.
// Veto and defer decisions emit nothing.
func (pl *Planner) BuildPlan(proposals []domain.TradeProposal, decision *domain.ManagerDecision) (*OrderPlan, error) {
	byAgent := make(map[string]*domain.TradeProposal, len(proposals))
	for i := range proposals {
		byAgent[proposals[i].AgentID] = &proposals[i]
	}

	plan := &OrderPlan{
		RunID:     decision.RunID,
		CycleID:   decision.CycleID,
		ManagerID: decision.ManagerID,
		CreatedAt: decision.Timestamp,
		Intents:   []OrderIntent{},
		Notes:     decision.Notes,
	}

	for _, d := range decision.Decisions {
		if d.Decision != domain.DecisionApprove && d.Decision != domain.DecisionResize {
			continue
		}

		if d.AgentID == "" {
			return nil, &PlanError{Reason: "decision item agent_id is required for execution planning"}
		}
		if d.TradeIndex == nil {
			return nil, &PlanError{Reason: "decision item trade_index is required for execution planning"}
		}

		proposal, ok := byAgent[d.AgentID]
		if !ok {
			return nil, &PlanError{Reason: fmt.Sprintf("missing trade proposal for agent_id=%s", d.AgentID)}
		}
		if *d.TradeIndex >= len(proposal.Trades) {
			return nil, &PlanError{Reason: fmt.Sprintf("trade_index out of range for agent_id=%s: %d", d.AgentID, *d.TradeIndex)}
		}

		trade := &proposal.Trades[*d.TradeIndex]
		if trade.Symbol != d.Symbol {
			return nil, &PlanError{Reason: fmt.Sprintf(
				"decision symbol mismatch for agent_id=%s trade_index=%d: %s != %s",
				d.AgentID, *d.TradeIndex, d.Symbol, trade.Symbol)}
		}

		// Reduce/close flow through position reconciliation, not the order
		// planner. A decision referencing one is a wiring bug upstream.
		if !trade.Action.RiskIncreasing() {
			return nil, &PlanError{Reason: fmt.Sprintf("only open/add actions are plannable, got action=%s", trade.Action)}
		}

		finalSize := trade.SizeUSDT
		if d.Decision == domain.DecisionResize && d.ApprovedSizeUSDT != nil {
			finalSize = *d.ApprovedSizeUSDT
		}
		finalLeverage := trade.Leverage
		if d.Decision == domain.DecisionResize && d.ApprovedLeverage != nil {
			finalLeverage = d.ApprovedLeverage
		}

		entryType := ExecMarket
		tif := ""
		if trade.OrderType == domain.OrderTypeLimit {
			entryType = ExecLimit
			tif = "GTC"
		}

		entryID := MakeClientOrderID(decision.RunID, decision.CycleID, d.AgentID, *d.TradeIndex, LegEntry, trade.Symbol)
		entry := OrderIntent{
			IntentID:      entryID,
			ClientOrderID: entryID,
			RunID:         decision.RunID,
			CycleID:       decision.CycleID,
			AgentID:       d.AgentID,
			TradeIndex:    *d.TradeIndex,
			Symbol:        trade.Symbol,
			Leg:           LegEntry,
			Side:          entrySide(trade.Side),
			OrderType:     entryType,
			NotionalUSDT:  finalSize,
			Leverage:      finalLeverage,
			LimitPrice:    trade.LimitPrice,
			TimeInForce:   tif,
			Meta: map[string]string{
				"source":   "manager_decision",
				"decision": string(d.Decision),
			},
		}
		if err := entry.Validate(); err != nil {
			return nil, &PlanError{Reason: fmt.Sprintf("invalid entry intent for %s: %v", trade.Symbol, err)}
		}
		plan.Intents = append(plan.Intents, entry)

		if trade.StopLoss != nil {
			slID := MakeClientOrderID(decision.RunID, decision.CycleID, d.AgentID, *d.TradeIndex, LegStopLoss, trade.Symbol)
			sl := OrderIntent{
				IntentID:      slID,
				ClientOrderID: slID,
				RunID:         decision.RunID,
				CycleID:       decision.CycleID,
				AgentID:       d.AgentID,
				TradeIndex:    *d.TradeIndex,
				Symbol:        trade.Symbol,
				Leg:           LegStopLoss,
				Side:          exitSide(trade.Side),
				OrderType:     ExecStopMarket,
				NotionalUSDT:  finalSize,
				TriggerPrice:  trade.StopLoss,
				ReduceOnly:    true,
				Meta:          map[string]string{"source": "manager_decision"},
			}
			if err := sl.Validate(); err != nil {
				return nil, &PlanError{Reason: fmt.Sprintf("invalid stop-loss intent for %s: %v", trade.Symbol, err)}
			}
			plan.Intents = append(plan.Intents, sl)
		}

		if trade.TakeProfit != nil {
			tpID := MakeClientOrderID(decision.RunID, decision.CycleID, d.AgentID, *d.TradeIndex, LegTakeProfit, trade.Symbol)
			tp := OrderIntent{
				IntentID:      tpID,
				ClientOrderID: tpID,
				RunID:         decision.RunID,
				CycleID:       decision.CycleID,
				AgentID:       d.AgentID,
				TradeIndex:    *d.TradeIndex,
				Symbol:        trade.Symbol,
				Leg:           LegTakeProfit,
				Side:          exitSide(trade.Side),
				OrderType:     ExecTakeProfitMarket,
				NotionalUSDT:  finalSize,
				TriggerPrice:  trade.TakeProfit,
				ReduceOnly:    true,
				Meta:          map[string]string{"source": "manager_decision"},
			}
			if err := tp.Validate(); err != nil {
				return nil, &PlanError{Reason: fmt.Sprintf("invalid take-profit intent for %s: %v", trade.Symbol, err)}
			}
			plan.Intents = append(plan.Intents, tp)
		}
	}

	pl.logger.Debug().
		Str("cycle_id", decision.CycleID).
		Int("intents", len(plan.Intents)).
		Msg("Order plan built")

	return plan, nil
}
