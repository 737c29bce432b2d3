package positions

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
)

type fakeVenue struct {
	positions []exchange.PositionInfo
}

func (f *fakeVenue) GetPositions(symbol string) ([]exchange.PositionInfo, error) {
	return f.positions, nil
}

func newTestReconciler(t *testing.T, venue *fakeVenue) (*Reconciler, *PositionRepository, *database.DB) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "positions_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	auditLog := audit.NewLogger(db.Conn(), zerolog.Nop())
	return NewReconciler(repo, venue, auditLog, zerolog.Nop()), repo, db
}

func TestSyncUpsertsLivePositions(t *testing.T) {
	venue := &fakeVenue{positions: []exchange.PositionInfo{
		{Symbol: "BTCUSDT", PositionAmt: "0.010", EntryPrice: "50000", MarkPrice: "51000", UnrealizedProfit: "10", Leverage: "3"},
		{Symbol: "ETHUSDT", PositionAmt: "-0.5", EntryPrice: "3000", MarkPrice: "2950", UnrealizedProfit: "25", Leverage: "2"},
		{Symbol: "XRPUSDT", PositionAmt: "0", EntryPrice: "0", MarkPrice: "0.5", UnrealizedProfit: "0", Leverage: "1"},
	}}
	rec, repo, _ := newTestReconciler(t, venue)

	out, err := rec.Sync("run-1", "cycle-1", []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"})
	require.NoError(t, err)
	// Flat XRP position is not stored.
	require.Len(t, out, 2)

	stored, err := repo.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "BTCUSDT", stored[0].Symbol)
	assert.InDelta(t, 0.01, stored[0].Quantity, 1e-12)
	assert.InDelta(t, 51000.0, stored[0].MarkPrice, 1e-9)
	assert.InDelta(t, -0.5, stored[1].Quantity, 1e-12)
}

func TestSyncIgnoresUntrackedSymbols(t *testing.T) {
	venue := &fakeVenue{positions: []exchange.PositionInfo{
		{Symbol: "BTCUSDT", PositionAmt: "0.01", MarkPrice: "50000"},
		{Symbol: "DOGEUSDT", PositionAmt: "1000", MarkPrice: "0.1"},
	}}
	rec, repo, _ := newTestReconciler(t, venue)

	_, err := rec.Sync("run-1", "cycle-1", []string{"BTCUSDT"})
	require.NoError(t, err)

	stored, err := repo.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "BTCUSDT", stored[0].Symbol)
}

func TestSyncDeletesFlattenedPositions(t *testing.T) {
	venue := &fakeVenue{positions: []exchange.PositionInfo{
		{Symbol: "BTCUSDT", PositionAmt: "0.01", MarkPrice: "50000"},
	}}
	rec, repo, _ := newTestReconciler(t, venue)

	_, err := rec.Sync("run-1", "cycle-1", []string{"BTCUSDT"})
	require.NoError(t, err)

	// Next cycle the position is flat on the venue.
	venue.positions = []exchange.PositionInfo{
		{Symbol: "BTCUSDT", PositionAmt: "0", MarkPrice: "50000"},
	}
	_, err = rec.Sync("run-1", "cycle-2", []string{"BTCUSDT"})
	require.NoError(t, err)

	stored, err := repo.ListByRun("run-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSyncAttributesOwnerFromOrders(t *testing.T) {
	venue := &fakeVenue{positions: []exchange.PositionInfo{
		{Symbol: "BTCUSDT", PositionAmt: "0.01", MarkPrice: "50000"},
	}}
	rec, repo, db := newTestReconciler(t, venue)

	_, err := db.Exec(`
		INSERT INTO orders (client_order_id, intent_id, run_id, cycle_id, agent_id, trade_index,
		                    symbol, side, leg, quantity, order_type, status, exchange_order_id, raw, created_at)
		VALUES ('o_abc', 'o_abc', 'run-1', 'cycle-1', 'agent-7', 0,
		        'BTCUSDT', 'BUY', 'entry', 0.01, 'MARKET', 'NEW', 1001, '', ?)
	`, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	out, err := rec.Sync("run-1", "cycle-1", []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "agent-7", out[0].AgentOwner)

	stored, err := repo.ListByRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", stored[0].AgentOwner)
}

func TestDeriveFirmState(t *testing.T) {
	positions := []Position{
		{Symbol: "BTCUSDT", Quantity: 0.01, MarkPrice: 50000, UnrealizedPnl: -100},
		{Symbol: "ETHUSDT", Quantity: -0.5, MarkPrice: 3000, UnrealizedPnl: -60},
	}

	state := DeriveFirmState(positions, 4000, map[string]float64{"agent-1": 1000})

	assert.InDelta(t, 2000.0, state.TotalNotionalUSDT, 1e-9)
	assert.InDelta(t, 0.04, state.DrawdownPct, 1e-9)
	assert.Equal(t, 4000.0, state.CapitalUSDT)
}

func TestDeriveFirmStateNoDrawdownWhenProfitable(t *testing.T) {
	positions := []Position{
		{Symbol: "BTCUSDT", Quantity: 0.01, MarkPrice: 50000, UnrealizedPnl: 150},
	}

	state := DeriveFirmState(positions, 4000, nil)

	assert.Equal(t, 0.0, state.DrawdownPct)
}
