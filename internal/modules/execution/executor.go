package execution

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/exchange"
	"github.com/quantdesk/trader/internal/modules/planning"
)

// Exchange is the venue surface the executor needs. *exchange.Client
// satisfies it; tests substitute a fake.
type Exchange interface {
	GetMarkPrice(symbol string) (float64, error)
	GetFilters(symbols []string) (map[string]exchange.Filters, error)
	SetLeverage(symbol string, leverage int) error
	PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResponse, error)
	GetOrder(symbol, clientOrderID string) (*exchange.OrderResponse, error)
}

// Executor submits order plans to the exchange. Every leg is idempotent:
// resubmitting a plan never duplicates an order, because the client order id
// is checked against the orders table before anything reaches the venue.
type Executor struct {
	orders *OrderRepository
	client Exchange
	audit  *audit.Logger
	cfg    RetryConfig
	clock  Clock
	log    zerolog.Logger
}

// NewExecutor creates a new order executor
func NewExecutor(orders *OrderRepository, client Exchange, auditLog *audit.Logger, cfg RetryConfig, log zerolog.Logger) *Executor {
	return &Executor{
		orders: orders,
		client: client,
		audit:  auditLog,
		cfg:    cfg,
		clock:  systemClock{},
		log:    log.With().Str("component", "executor").Logger(),
	}
}

// WithClock returns a copy using the given clock. Test hook.
func (e *Executor) WithClock(clock Clock) *Executor {
	cp := *e
	cp.clock = clock
	return &cp
}

// roundStepDown rounds value down to a multiple of step. Quantities and
// prices must never round up past what the sizing allows.
func roundStepDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	steps := math.Floor(value/step + 1e-9)
	return steps * step
}

type groupKey struct {
	agentID    string
	tradeIndex int
	symbol     string
}

// ExecutePlan submits every intent in the plan, entry before exits within a
// trade, and returns a per-intent report. One trade failing never aborts the
// rest of the plan.
func (e *Executor) ExecutePlan(plan *planning.OrderPlan) (*planning.ExecutionReport, error) {
	auditCtx := audit.Context{RunID: plan.RunID, CycleID: plan.CycleID, AgentID: "execution"}
	_ = e.audit.Log("execution_plan_start", map[string]interface{}{
		"cycle_id": plan.CycleID,
		"intents":  len(plan.Intents),
	}, auditCtx)

	report := &planning.ExecutionReport{
		RunID:     plan.RunID,
		CycleID:   plan.CycleID,
		CreatedAt: e.clock.Now(),
		Results:   []planning.OrderExecutionResult{},
		Notes:     plan.Notes,
	}

	if len(plan.Intents) == 0 {
		_ = e.audit.Log("execution_plan_complete", map[string]interface{}{"results": 0}, auditCtx)
		return report, nil
	}

	symbolSet := map[string]bool{}
	var symbols []string
	for i := range plan.Intents {
		if !symbolSet[plan.Intents[i].Symbol] {
			symbolSet[plan.Intents[i].Symbol] = true
			symbols = append(symbols, plan.Intents[i].Symbol)
		}
	}

	filters, err := e.client.GetFilters(symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange filters: %w", err)
	}

	// Group legs by trade, preserving first-seen order.
	grouped := map[groupKey][]*planning.OrderIntent{}
	var order []groupKey
	for i := range plan.Intents {
		intent := &plan.Intents[i]
		key := groupKey{agentID: intent.AgentID, tradeIndex: intent.TradeIndex, symbol: intent.Symbol}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], intent)
	}

	for _, key := range order {
		e.executeTrade(report, grouped[key], filters[key.symbol], auditCtx)
	}

	_ = e.audit.Log("execution_plan_complete", map[string]interface{}{
		"results": len(report.Results),
	}, auditCtx)

	return report, nil
}

func (e *Executor) executeTrade(report *planning.ExecutionReport, intents []*planning.OrderIntent, filters exchange.Filters, auditCtx audit.Context) {
	var entry *planning.OrderIntent
	var exits []*planning.OrderIntent
	for _, intent := range intents {
		if intent.Leg == planning.LegEntry {
			entry = intent
		} else {
			exits = append(exits, intent)
		}
	}

	if entry == nil {
		for _, intent := range intents {
			_ = e.audit.Log("execution_intent_skipped", map[string]interface{}{
				"reason":          "missing_entry_intent",
				"client_order_id": intent.ClientOrderID,
			}, auditCtx)
			report.Results = append(report.Results, planning.OrderExecutionResult{
				IntentID:      intent.IntentID,
				ClientOrderID: intent.ClientOrderID,
				Symbol:        intent.Symbol,
				Leg:           intent.Leg,
				Status:        planning.StatusSkipped,
				Error:         "missing entry intent for trade group",
			})
		}
		return
	}

	symbol := entry.Symbol

	mark, err := e.client.GetMarkPrice(symbol)
	if err != nil || mark <= 0 {
		e.failTrade(report, entry, exits, fmt.Sprintf("failed to resolve mark price for %s: %v", symbol, err), auditCtx)
		return
	}

	qty := roundStepDown(entry.NotionalUSDT/mark, filters.StepSize)
	if qty < filters.MinQty {
		e.failTrade(report, entry, exits, fmt.Sprintf(
			"computed quantity %v is below exchange min_qty %v for %s; increase approved size_usdt",
			qty, filters.MinQty, symbol), auditCtx)
		return
	}
	if filters.MinNotional > 0 && qty*mark+1e-9 < filters.MinNotional {
		e.failTrade(report, entry, exits, fmt.Sprintf(
			"order notional after rounding (%.2f) is below exchange min_notional (%.2f) for %s; increase approved size_usdt",
			qty*mark, filters.MinNotional, symbol), auditCtx)
		return
	}

	entryOK := e.submitIntent(report, entry, qty, filters, auditCtx)
	if !entryOK {
		for _, exit := range exits {
			report.Results = append(report.Results, planning.OrderExecutionResult{
				IntentID:      exit.IntentID,
				ClientOrderID: exit.ClientOrderID,
				Symbol:        exit.Symbol,
				Leg:           exit.Leg,
				Status:        planning.StatusSkipped,
				Error:         "entry leg was not placed",
			})
		}
		return
	}

	// Best effort: a still-working entry must not block the exits.
	e.waitForFill(symbol, entry.ClientOrderID)

	for _, exit := range exits {
		e.submitIntent(report, exit, qty, filters, auditCtx)
	}
}

func (e *Executor) failTrade(report *planning.ExecutionReport, entry *planning.OrderIntent, exits []*planning.OrderIntent, reason string, auditCtx audit.Context) {
	_ = e.audit.Log("execution_entry_preflight_failed", map[string]interface{}{
		"client_order_id": entry.ClientOrderID,
		"symbol":          entry.Symbol,
		"error":           reason,
	}, auditCtx)

	report.Results = append(report.Results, planning.OrderExecutionResult{
		IntentID:      entry.IntentID,
		ClientOrderID: entry.ClientOrderID,
		Symbol:        entry.Symbol,
		Leg:           entry.Leg,
		Status:        planning.StatusFailed,
		Error:         reason,
	})
	for _, exit := range exits {
		report.Results = append(report.Results, planning.OrderExecutionResult{
			IntentID:      exit.IntentID,
			ClientOrderID: exit.ClientOrderID,
			Symbol:        exit.Symbol,
			Leg:           exit.Leg,
			Status:        planning.StatusSkipped,
			Error:         "entry leg was not placed",
		})
	}
}

// submitIntent places one leg idempotently and appends its result. Returns
// true when the leg is live on the venue (placed now or previously).
func (e *Executor) submitIntent(report *planning.ExecutionReport, intent *planning.OrderIntent, qty float64, filters exchange.Filters, auditCtx audit.Context) bool {
	existing, err := e.orders.FindByClientOrderID(intent.ClientOrderID)
	if err != nil {
		report.Results = append(report.Results, planning.OrderExecutionResult{
			IntentID:      intent.IntentID,
			ClientOrderID: intent.ClientOrderID,
			Symbol:        intent.Symbol,
			Leg:           intent.Leg,
			Status:        planning.StatusFailed,
			Error:         fmt.Sprintf("idempotency lookup failed: %v", err),
		})
		return false
	}
	if existing != nil {
		_ = e.audit.Log("execution_order_exists", map[string]interface{}{
			"client_order_id":   intent.ClientOrderID,
			"exchange_order_id": existing.ExchangeOrderID,
		}, auditCtx)
		report.Results = append(report.Results, planning.OrderExecutionResult{
			IntentID:        intent.IntentID,
			ClientOrderID:   intent.ClientOrderID,
			Symbol:          intent.Symbol,
			Leg:             intent.Leg,
			Status:          planning.StatusAlreadyExists,
			ExchangeOrderID: existing.ExchangeOrderID,
		})
		return true
	}

	res, err := e.placeWithRetries(intent, qty, filters)
	if err != nil {
		_ = e.audit.Log("execution_order_failed", map[string]interface{}{
			"client_order_id": intent.ClientOrderID,
			"symbol":          intent.Symbol,
			"error":           err.Error(),
		}, auditCtx)
		report.Results = append(report.Results, planning.OrderExecutionResult{
			IntentID:      intent.IntentID,
			ClientOrderID: intent.ClientOrderID,
			Symbol:        intent.Symbol,
			Leg:           intent.Leg,
			Status:        planning.StatusFailed,
			Error:         err.Error(),
		})
		return false
	}

	if err := e.orders.Record(intent, qty, res, res.Status, res.OrderID); err != nil {
		// The venue accepted the order but the idempotency journal did not.
		// That breaks the duplicate check for this client order id, so the
		// result must say failed, not placed.
		e.log.Error().Err(err).Str("client_order_id", intent.ClientOrderID).Msg("Failed to record placed order")
		_ = e.audit.Log("execution_order_record_failed", map[string]interface{}{
			"client_order_id":   intent.ClientOrderID,
			"symbol":            intent.Symbol,
			"exchange_order_id": res.OrderID,
			"error":             err.Error(),
		}, auditCtx)
		report.Results = append(report.Results, planning.OrderExecutionResult{
			IntentID:        intent.IntentID,
			ClientOrderID:   intent.ClientOrderID,
			Symbol:          intent.Symbol,
			Leg:             intent.Leg,
			Status:          planning.StatusFailed,
			ExchangeOrderID: res.OrderID,
			Error:           fmt.Sprintf("order placed but journal write failed: %v", err),
		})
		return false
	}
	_ = e.audit.Log("execution_order_placed", map[string]interface{}{
		"client_order_id":   intent.ClientOrderID,
		"symbol":            intent.Symbol,
		"leg":               string(intent.Leg),
		"exchange_order_id": res.OrderID,
	}, auditCtx)

	report.Results = append(report.Results, planning.OrderExecutionResult{
		IntentID:        intent.IntentID,
		ClientOrderID:   intent.ClientOrderID,
		Symbol:          intent.Symbol,
		Leg:             intent.Leg,
		Status:          planning.StatusPlaced,
		ExchangeOrderID: res.OrderID,
	})
	return true
}

func (e *Executor) placeWithRetries(intent *planning.OrderIntent, qty float64, filters exchange.Filters) (*exchange.OrderResponse, error) {
	req := exchange.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Quantity:      qty,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: intent.ClientOrderID,
	}

	switch intent.OrderType {
	case planning.ExecMarket:
		req.Type = "MARKET"
	case planning.ExecLimit:
		req.Type = "LIMIT"
		req.Price = roundStepDown(*intent.LimitPrice, filters.TickSize)
		req.TimeInForce = intent.TimeInForce
	case planning.ExecStopMarket:
		req.Type = "STOP_MARKET"
		req.StopPrice = roundStepDown(*intent.TriggerPrice, filters.TickSize)
	case planning.ExecTakeProfitMarket:
		req.Type = "TAKE_PROFIT_MARKET"
		req.StopPrice = roundStepDown(*intent.TriggerPrice, filters.TickSize)
	default:
		return nil, fmt.Errorf("unsupported order type %q", intent.OrderType)
	}

	// Leverage only matters on the entry leg.
	if intent.Leg == planning.LegEntry && intent.Leverage != nil {
		if err := e.client.SetLeverage(intent.Symbol, int(*intent.Leverage)); err != nil {
			e.log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("Failed to set leverage")
		}
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.clock.Sleep(e.cfg.Backoff.Next(attempt))
		}
		res, err := e.client.PlaceOrder(req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// A permanent rejection never clears on retry.
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			break
		}
	}
	return nil, fmt.Errorf("failed to place order after retries: %w", lastErr)
}

// waitForFill polls until the entry reaches a terminal state or the timeout
// lapses. Timing out is fine: protective exits go in regardless.
func (e *Executor) waitForFill(symbol, clientOrderID string) {
	deadline := e.clock.Now().Add(e.cfg.WaitFillTimeout)
	for e.clock.Now().Before(deadline) {
		res, err := e.client.GetOrder(symbol, clientOrderID)
		if err == nil && res.Terminal() {
			return
		}
		e.clock.Sleep(e.cfg.PollInterval)
	}
	e.log.Debug().Str("client_order_id", clientOrderID).Msg("Entry fill wait timed out")
}
