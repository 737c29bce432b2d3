package planning

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// OrderLeg identifies which part of a bracket an intent belongs to.
type OrderLeg string

const (
	LegEntry      OrderLeg = "entry"
	LegStopLoss   OrderLeg = "stop_loss"
	LegTakeProfit OrderLeg = "take_profit"
)

// OrderSide is the exchange-native direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// ExecutionOrderType is the exchange-native order style.
type ExecutionOrderType string

const (
	ExecMarket           ExecutionOrderType = "market"
	ExecLimit            ExecutionOrderType = "limit"
	ExecStopMarket       ExecutionOrderType = "stop_market"
	ExecTakeProfitMarket ExecutionOrderType = "take_profit_market"
)

// OrderIntent is the intent to place one order leg. It carries everything the
// execution engine needs except the live quantity, which is computed at
// submission time from mark price and exchange filters.
type OrderIntent struct {
	IntentID      string `json:"intent_id"`
	ClientOrderID string `json:"client_order_id"`

	RunID      string `json:"run_id,omitempty"`
	CycleID    string `json:"cycle_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	TradeIndex int    `json:"trade_index"`

	Symbol    string             `json:"symbol"`
	Leg       OrderLeg           `json:"leg"`
	Side      OrderSide          `json:"side"`
	OrderType ExecutionOrderType `json:"order_type"`

	NotionalUSDT float64  `json:"notional_usdt"`
	Leverage     *float64 `json:"leverage,omitempty"`

	LimitPrice   *float64 `json:"limit_price,omitempty"`
	TriggerPrice *float64 `json:"trigger_price,omitempty"`
	ReduceOnly   bool     `json:"reduce_only"`
	TimeInForce  string   `json:"time_in_force,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`
}

// Validate enforces the leg/order-type invariants an intent must satisfy
// before it reaches the exchange boundary.
func (o *OrderIntent) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if o.NotionalUSDT <= 0 {
		return fmt.Errorf("notional_usdt must be > 0, got %v", o.NotionalUSDT)
	}

	if o.OrderType == ExecLimit {
		if o.LimitPrice == nil {
			return fmt.Errorf("limit_price required when order_type=limit")
		}
		if o.TimeInForce == "" {
			return fmt.Errorf("time_in_force required when order_type=limit")
		}
	} else {
		if o.LimitPrice != nil {
			return fmt.Errorf("limit_price must be omitted unless order_type=limit")
		}
		if o.TimeInForce != "" {
			return fmt.Errorf("time_in_force must be omitted unless order_type=limit")
		}
	}

	if o.OrderType == ExecStopMarket || o.OrderType == ExecTakeProfitMarket {
		if o.TriggerPrice == nil {
			return fmt.Errorf("trigger_price required for stop/take-profit market orders")
		}
	} else if o.TriggerPrice != nil {
		return fmt.Errorf("trigger_price must be omitted unless stop/take-profit order")
	}

	if o.Leg == LegEntry && o.ReduceOnly {
		return fmt.Errorf("entry leg must not be reduce_only")
	}
	if (o.Leg == LegStopLoss || o.Leg == LegTakeProfit) && !o.ReduceOnly {
		return fmt.Errorf("stop/take-profit legs must be reduce_only")
	}
	return nil
}

// OrderPlan is the deterministic output of planning one cycle.
type OrderPlan struct {
	RunID     string    `json:"run_id,omitempty"`
	CycleID   string    `json:"cycle_id,omitempty"`
	ManagerID string    `json:"manager_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Intents []OrderIntent `json:"intents"`
	Notes   string        `json:"notes,omitempty"`
}

// ExecutionStatus is the terminal state of one intent submission.
type ExecutionStatus string

const (
	StatusPlaced        ExecutionStatus = "placed"
	StatusAlreadyExists ExecutionStatus = "already_exists"
	StatusFailed        ExecutionStatus = "failed"
	StatusSkipped       ExecutionStatus = "skipped"
)

// OrderExecutionResult is the per-intent outcome recorded in the execution
// report.
type OrderExecutionResult struct {
	IntentID        string          `json:"intent_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Leg             OrderLeg        `json:"leg"`
	Status          ExecutionStatus `json:"status"`
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// ExecutionReport summarizes one cycle's submissions.
type ExecutionReport struct {
	RunID     string                 `json:"run_id,omitempty"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Results   []OrderExecutionResult `json:"results"`
	Notes     string                 `json:"notes,omitempty"`
}

// Attribution identifies the logical trade behind one client order id. The
// id is a one-way hash, so the map is built at planning time and consulted
// later for fill attribution.
type Attribution struct {
	AgentID    string   `json:"agent_id"`
	TradeIndex int      `json:"trade_index"`
	Symbol     string   `json:"symbol"`
	Leg        OrderLeg `json:"leg"`
}

// AttributionMap indexes every intent in the plan by client order id.
func (p *OrderPlan) AttributionMap() map[string]Attribution {
	out := make(map[string]Attribution, len(p.Intents))
	for i := range p.Intents {
		intent := &p.Intents[i]
		out[intent.ClientOrderID] = Attribution{
			AgentID:    intent.AgentID,
			TradeIndex: intent.TradeIndex,
			Symbol:     intent.Symbol,
			Leg:        intent.Leg,
		}
	}
	return out
}

// MakeClientOrderID derives the idempotency key for one order leg from its
// logical identity. The same inputs always produce the same id, and the
// result stays within the exchange's 32-character client order id limit.
func MakeClientOrderID(runID, cycleID, agentID string, tradeIndex int, leg OrderLeg, symbol string) string {
	seed := fmt.Sprintf("%s|%s|%s|%d|%s|%s", runID, cycleID, agentID, tradeIndex, leg, symbol)
	digest := sha1.Sum([]byte(seed))
	return "o_" + hex.EncodeToString(digest[:])[:28]
}
