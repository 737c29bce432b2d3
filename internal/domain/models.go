package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a trade idea.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderType is the entry order style of a trade idea.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TradeAction distinguishes risk-increasing from risk-reducing intents.
type TradeAction string

const (
	ActionOpen   TradeAction = "open"
	ActionAdd    TradeAction = "add"
	ActionReduce TradeAction = "reduce"
	ActionClose  TradeAction = "close"
)

// RiskIncreasing reports whether the action adds directional exposure.
func (a TradeAction) RiskIncreasing() bool {
	return a == ActionOpen || a == ActionAdd
}

// RiskReducing reports whether the action shrinks existing exposure.
func (a TradeAction) RiskReducing() bool {
	return a == ActionReduce || a == ActionClose
}

// TradeIdea is a single proposed trade, immutable once emitted by an agent.
type TradeIdea struct {
	Symbol string      `json:"symbol"`
	Side   Side        `json:"side"`
	Action TradeAction `json:"action"`

	SizeUSDT float64  `json:"size_usdt"`
	Leverage *float64 `json:"leverage,omitempty"`

	OrderType  OrderType `json:"order_type"`
	LimitPrice *float64  `json:"limit_price,omitempty"`

	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`

	Confidence   float64  `json:"confidence"`
	Rationale    string   `json:"rationale"`
	Invalidation string   `json:"invalidation,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Validate enforces the construction-time invariants of a trade idea.
func (t *TradeIdea) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if t.Side != SideLong && t.Side != SideShort {
		return fmt.Errorf("invalid side %q", t.Side)
	}
	switch t.Action {
	case ActionOpen, ActionAdd, ActionReduce, ActionClose:
	default:
		return fmt.Errorf("invalid action %q", t.Action)
	}
	if t.SizeUSDT <= 0 {
		return fmt.Errorf("size_usdt must be > 0, got %v", t.SizeUSDT)
	}
	if t.Leverage != nil && *t.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0, got %v", *t.Leverage)
	}
	switch t.OrderType {
	case OrderTypeMarket:
		if t.LimitPrice != nil {
			return fmt.Errorf("limit_price must be omitted when order_type=market")
		}
	case OrderTypeLimit:
		if t.LimitPrice == nil {
			return fmt.Errorf("limit_price required when order_type=limit")
		}
		if *t.LimitPrice <= 0 {
			return fmt.Errorf("limit_price must be > 0, got %v", *t.LimitPrice)
		}
	default:
		return fmt.Errorf("invalid order_type %q", t.OrderType)
	}
	if t.StopLoss != nil && *t.StopLoss <= 0 {
		return fmt.Errorf("stop_loss must be > 0, got %v", *t.StopLoss)
	}
	if t.TakeProfit != nil && *t.TakeProfit <= 0 {
		return fmt.Errorf("take_profit must be > 0, got %v", *t.TakeProfit)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", t.Confidence)
	}
	if t.Rationale == "" {
		return fmt.Errorf("rationale is required")
	}
	return nil
}

// TradeProposal is one agent's output for one cycle. An empty Trades list is
// an explicit no-trade, not a missing document.
type TradeProposal struct {
	AgentID   string      `json:"agent_id"`
	RunID     string      `json:"run_id,omitempty"`
	CycleID   string      `json:"cycle_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Trades    []TradeIdea `json:"trades"`
	Notes     string      `json:"notes,omitempty"`
}

// Validate checks the proposal and every contained trade idea.
func (p *TradeProposal) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	for i := range p.Trades {
		if err := p.Trades[i].Validate(); err != nil {
			return fmt.Errorf("trades[%d]: %w", i, err)
		}
	}
	return nil
}

// DecisionType is the manager's verdict on a single proposed trade.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionResize  DecisionType = "resize"
	DecisionVeto    DecisionType = "veto"
	DecisionDefer   DecisionType = "defer"
)

// DecisionItem carries one verdict, addressed by (agent id, trade index).
type DecisionItem struct {
	AgentID    string       `json:"agent_id,omitempty"`
	TradeIndex *int         `json:"trade_index,omitempty"`
	Symbol     string       `json:"symbol"`
	Decision   DecisionType `json:"decision"`

	// Only meaningful for resize decisions.
	ApprovedSizeUSDT *float64 `json:"approved_size_usdt,omitempty"`
	ApprovedLeverage *float64 `json:"approved_leverage,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// Validate enforces decision item invariants.
func (d *DecisionItem) Validate() error {
	if d.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch d.Decision {
	case DecisionApprove, DecisionResize, DecisionVeto, DecisionDefer:
	default:
		return fmt.Errorf("invalid decision %q", d.Decision)
	}
	if d.TradeIndex != nil && *d.TradeIndex < 0 {
		return fmt.Errorf("trade_index must be >= 0, got %d", *d.TradeIndex)
	}
	if d.ApprovedSizeUSDT != nil && *d.ApprovedSizeUSDT <= 0 {
		return fmt.Errorf("approved_size_usdt must be > 0, got %v", *d.ApprovedSizeUSDT)
	}
	if d.ApprovedLeverage != nil && *d.ApprovedLeverage <= 0 {
		return fmt.Errorf("approved_leverage must be > 0, got %v", *d.ApprovedLeverage)
	}
	return nil
}

// TrustDelta is an informational trust adjustment suggested by the manager.
// The weekly allocator, not this pipeline, decides what to do with it.
type TrustDelta struct {
	AgentID string  `json:"agent_id"`
	Delta   float64 `json:"delta"`
	Reason  string  `json:"reason"`
}

// ManagerDecision is the governance verdict for one cycle, persisted
// immutably once received.
type ManagerDecision struct {
	ManagerID string         `json:"manager_id"`
	RunID     string         `json:"run_id,omitempty"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Decisions []DecisionItem `json:"decisions"`
	Notes     string         `json:"notes,omitempty"`

	TrustDeltas []TrustDelta `json:"trust_deltas,omitempty"`
}

// Validate checks the decision and every contained item.
func (m *ManagerDecision) Validate() error {
	if m.ManagerID == "" {
		return fmt.Errorf("manager_id is required")
	}
	for i := range m.Decisions {
		if err := m.Decisions[i].Validate(); err != nil {
			return fmt.Errorf("decisions[%d]: %w", i, err)
		}
	}
	for i, td := range m.TrustDeltas {
		if td.AgentID == "" {
			return fmt.Errorf("trust_deltas[%d]: agent_id is required", i)
		}
		if td.Delta < -1 || td.Delta > 1 {
			return fmt.Errorf("trust_deltas[%d]: delta must be in [-1,1], got %v", i, td.Delta)
		}
	}
	return nil
}
