package execution

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/exchange"
	"github.com/quantdesk/trader/internal/database"
	"github.com/quantdesk/trader/internal/modules/planning"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type fakeExchange struct {
	markPrice   float64
	filters     map[string]exchange.Filters
	placeCalls  []exchange.OrderRequest
	placeErrs   []error
	orderStatus string
	getCalls    int
	nextOrderID int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		markPrice: 50000,
		filters: map[string]exchange.Filters{
			"BTCUSDT": {StepSize: 0.001, TickSize: 0.1, MinQty: 0.001, MinNotional: 100},
			"ETHUSDT": {StepSize: 0.01, TickSize: 0.01, MinQty: 0.01, MinNotional: 20},
		},
		orderStatus: "FILLED",
		nextOrderID: 1000,
	}
}

func (f *fakeExchange) GetMarkPrice(symbol string) (float64, error) { return f.markPrice, nil }

func (f *fakeExchange) GetFilters(symbols []string) (map[string]exchange.Filters, error) {
	return f.filters, nil
}

func (f *fakeExchange) SetLeverage(symbol string, leverage int) error { return nil }

func (f *fakeExchange) PlaceOrder(req exchange.OrderRequest) (*exchange.OrderResponse, error) {
	f.placeCalls = append(f.placeCalls, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextOrderID++
	return &exchange.OrderResponse{
		OrderID:       f.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "NEW",
		Type:          req.Type,
		Side:          req.Side,
	}, nil
}

func (f *fakeExchange) GetOrder(symbol, clientOrderID string) (*exchange.OrderResponse, error) {
	f.getCalls++
	return &exchange.OrderResponse{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Status:        f.orderStatus,
	}, nil
}

func newTestExecutor(t *testing.T, fake *fakeExchange) (*Executor, *fakeClock, *OrderRepository) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "executor_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	orders := NewOrderRepository(db.Conn(), zerolog.Nop())
	auditLog := audit.NewLogger(db.Conn(), zerolog.Nop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	cfg := RetryConfig{
		MaxRetries:      3,
		Backoff:         Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2},
		WaitFillTimeout: 3 * time.Second,
		PollInterval:    time.Second,
	}
	ex := NewExecutor(orders, fake, auditLog, cfg, zerolog.Nop()).WithClock(clock)
	return ex, clock, orders
}

func f(v float64) *float64 { return &v }

func bracketPlan() *planning.OrderPlan {
	entryID := planning.MakeClientOrderID("run-1", "cycle-1", "agent-1", 0, planning.LegEntry, "BTCUSDT")
	slID := planning.MakeClientOrderID("run-1", "cycle-1", "agent-1", 0, planning.LegStopLoss, "BTCUSDT")
	tpID := planning.MakeClientOrderID("run-1", "cycle-1", "agent-1", 0, planning.LegTakeProfit, "BTCUSDT")

	return &planning.OrderPlan{
		RunID:   "run-1",
		CycleID: "cycle-1",
		Intents: []planning.OrderIntent{
			{
				IntentID: entryID, ClientOrderID: entryID,
				RunID: "run-1", CycleID: "cycle-1", AgentID: "agent-1", TradeIndex: 0,
				Symbol: "BTCUSDT", Leg: planning.LegEntry, Side: planning.SideBuy,
				OrderType: planning.ExecMarket, NotionalUSDT: 500, Leverage: f(3),
			},
			{
				IntentID: slID, ClientOrderID: slID,
				RunID: "run-1", CycleID: "cycle-1", AgentID: "agent-1", TradeIndex: 0,
				Symbol: "BTCUSDT", Leg: planning.LegStopLoss, Side: planning.SideSell,
				OrderType: planning.ExecStopMarket, NotionalUSDT: 500,
				TriggerPrice: f(48000), ReduceOnly: true,
			},
			{
				IntentID: tpID, ClientOrderID: tpID,
				RunID: "run-1", CycleID: "cycle-1", AgentID: "agent-1", TradeIndex: 0,
				Symbol: "BTCUSDT", Leg: planning.LegTakeProfit, Side: planning.SideSell,
				OrderType: planning.ExecTakeProfitMarket, NotionalUSDT: 500,
				TriggerPrice: f(56000), ReduceOnly: true,
			},
		},
	}
}

func TestExecutePlanPlacesBracketInOrder(t *testing.T) {
	fake := newFakeExchange()
	ex, _, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	for _, res := range report.Results {
		assert.Equal(t, planning.StatusPlaced, res.Status)
		assert.NotZero(t, res.ExchangeOrderID)
	}

	require.Len(t, fake.placeCalls, 3)
	assert.Equal(t, "MARKET", fake.placeCalls[0].Type)
	assert.Equal(t, "STOP_MARKET", fake.placeCalls[1].Type)
	assert.Equal(t, "TAKE_PROFIT_MARKET", fake.placeCalls[2].Type)

	// Notional 500 at mark 50000 is 0.01, already on the 0.001 step.
	assert.InDelta(t, 0.01, fake.placeCalls[0].Quantity, 1e-12)
	assert.InDelta(t, 48000.0, fake.placeCalls[1].StopPrice, 1e-9)
}

func TestExecutePlanIsIdempotent(t *testing.T) {
	fake := newFakeExchange()
	ex, _, _ := newTestExecutor(t, fake)

	first, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)
	for _, res := range first.Results {
		assert.Equal(t, planning.StatusPlaced, res.Status)
	}

	second, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)
	require.Len(t, second.Results, 3)
	for _, res := range second.Results {
		assert.Equal(t, planning.StatusAlreadyExists, res.Status)
		assert.NotZero(t, res.ExchangeOrderID)
	}

	// No duplicate submissions reached the venue.
	assert.Len(t, fake.placeCalls, 3)
}

func TestExecutePlanQuantityBelowMinQty(t *testing.T) {
	fake := newFakeExchange()
	fake.filters["BTCUSDT"] = exchange.Filters{StepSize: 0.001, TickSize: 0.1, MinQty: 0.1, MinNotional: 0}
	ex, _, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	assert.Equal(t, planning.StatusFailed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "min_qty")
	assert.Equal(t, planning.StatusSkipped, report.Results[1].Status)
	assert.Equal(t, planning.StatusSkipped, report.Results[2].Status)
	assert.Empty(t, fake.placeCalls)
}

func TestExecutePlanNotionalBelowMinNotional(t *testing.T) {
	fake := newFakeExchange()
	fake.filters["BTCUSDT"] = exchange.Filters{StepSize: 0.001, TickSize: 0.1, MinQty: 0.001, MinNotional: 1000}
	ex, _, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)

	assert.Equal(t, planning.StatusFailed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "min_notional")
	assert.Empty(t, fake.placeCalls)
}

func TestPlaceRetriesTransientErrors(t *testing.T) {
	fake := newFakeExchange()
	fake.placeErrs = []error{
		&exchange.APIError{Code: -1001, HTTPStatus: 500, Message: "internal error"},
		&exchange.APIError{HTTPStatus: 429, Message: "rate limited"},
		nil,
	}
	ex, clock, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)

	assert.Equal(t, planning.StatusPlaced, report.Results[0].Status)
	// Entry took three attempts; the two exits succeed first try.
	assert.Len(t, fake.placeCalls, 5)
	// Exponential spacing between entry attempts.
	require.GreaterOrEqual(t, len(clock.sleeps), 2)
	assert.Equal(t, 100*time.Millisecond, clock.sleeps[0])
	assert.Equal(t, 200*time.Millisecond, clock.sleeps[1])
}

func TestPlaceDoesNotRetryPermanentRejection(t *testing.T) {
	fake := newFakeExchange()
	fake.placeErrs = []error{
		&exchange.APIError{Code: -2019, HTTPStatus: 400, Message: "margin is insufficient"},
	}
	ex, _, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)

	assert.Equal(t, planning.StatusFailed, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "margin is insufficient")
	// One attempt for the entry, none for the skipped exits.
	assert.Len(t, fake.placeCalls, 1)
	assert.Equal(t, planning.StatusSkipped, report.Results[1].Status)
	assert.Equal(t, planning.StatusSkipped, report.Results[2].Status)
}

func TestFillWaitTimeoutStillPlacesExits(t *testing.T) {
	fake := newFakeExchange()
	fake.orderStatus = "NEW" // never terminal
	ex, clock, _ := newTestExecutor(t, fake)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)

	for _, res := range report.Results {
		assert.Equal(t, planning.StatusPlaced, res.Status)
	}
	assert.Greater(t, fake.getCalls, 1)
	assert.NotEmpty(t, clock.sleeps)
}

func TestJournalWriteFailureSurfacesAsFailed(t *testing.T) {
	fake := newFakeExchange()

	db, err := database.New(filepath.Join(t.TempDir(), "executor_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	// Lookups still work but every journal insert is rejected, so the
	// duplicate check for this client order id is broken.
	_, err = db.Conn().Exec(`
		CREATE TRIGGER orders_unwritable BEFORE INSERT ON orders
		BEGIN SELECT RAISE(ABORT, 'journal unavailable'); END
	`)
	require.NoError(t, err)

	orders := NewOrderRepository(db.Conn(), zerolog.Nop())
	auditLog := audit.NewLogger(db.Conn(), zerolog.Nop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := RetryConfig{
		MaxRetries:      3,
		Backoff:         Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2},
		WaitFillTimeout: 3 * time.Second,
		PollInterval:    time.Second,
	}
	ex := NewExecutor(orders, fake, auditLog, cfg, zerolog.Nop()).WithClock(clock)

	report, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	// The venue accepted the entry, but without a journal row the result
	// must not claim placed.
	assert.Equal(t, planning.StatusFailed, report.Results[0].Status)
	assert.NotZero(t, report.Results[0].ExchangeOrderID)
	assert.Contains(t, report.Results[0].Error, "journal write failed")
	assert.Equal(t, planning.StatusSkipped, report.Results[1].Status)
	assert.Equal(t, planning.StatusSkipped, report.Results[2].Status)
	assert.Len(t, fake.placeCalls, 1)
}

func TestExecutePlanRecordsOrders(t *testing.T) {
	fake := newFakeExchange()
	ex, _, orders := newTestExecutor(t, fake)

	_, err := ex.ExecutePlan(bracketPlan())
	require.NoError(t, err)

	recs, err := orders.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "entry", recs[0].Leg)
	assert.Equal(t, "BTCUSDT", recs[0].Symbol)
	assert.InDelta(t, 0.01, recs[0].Quantity, 1e-12)
}

func TestRoundStepDown(t *testing.T) {
	tests := []struct {
		value float64
		step  float64
		want  float64
	}{
		{0.0129, 0.001, 0.012},
		{0.01, 0.001, 0.01},
		{1.999, 0.5, 1.5},
		{5, 0, 5},
		{0.0009, 0.001, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, roundStepDown(tt.value, tt.step), 1e-12)
	}
}
