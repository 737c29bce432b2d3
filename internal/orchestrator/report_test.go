package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/trader/internal/database"
	"github.com/quantdesk/trader/internal/modules/positions"
)

func TestBuildCycleReportAggregates(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := []positions.Position{
		{RunID: "run-1", Symbol: "BTCUSDT", Quantity: 0.02, MarkPrice: 50000, UnrealizedPnl: -100, AgentOwner: "agent-1"},
		{RunID: "run-1", Symbol: "ETHUSDT", Quantity: -0.5, MarkPrice: 3000, UnrealizedPnl: 40, AgentOwner: "agent-2"},
		{RunID: "run-1", Symbol: "SOLUSDT", Quantity: 2, MarkPrice: 150, UnrealizedPnl: -20},
	}
	fills := []Fill{
		{AgentID: "agent-1", Symbol: "BTCUSDT", Side: "BUY", Quantity: 0.02, Price: 50000, Fee: 0.5, RealizedPnl: 0},
		{AgentID: "agent-2", Symbol: "ETHUSDT", Side: "SELL", Quantity: 0.5, Price: 3000, Fee: 0.3, RealizedPnl: 12},
	}

	report := BuildCycleReport("run-1", "cycle-1", at, pos, 4000, fills, 5, "success")

	assert.Equal(t, 3, report.Firm.Positions)
	assert.InDelta(t, 0.02*50000+0.5*3000+2*150, report.Firm.TotalNotionalUSDT, 1e-9)
	assert.InDelta(t, -80, report.Firm.UnrealizedPnlUSDT, 1e-9)
	assert.InDelta(t, 12-0.5-0.3, report.Firm.RealizedPnlUSDT, 1e-9)
	assert.InDelta(t, 80.0/4000, report.Firm.DrawdownPct, 1e-9)

	a1 := report.Agents["agent-1"]
	assert.Equal(t, 1, a1.Positions)
	assert.InDelta(t, 1000, a1.NotionalUSDT, 1e-9)
	assert.InDelta(t, -100, a1.UnrealizedPnlUSDT, 1e-9)
	assert.Equal(t, 1, a1.Fills)
	assert.InDelta(t, -0.5, a1.RealizedPnlUSDT, 1e-9)

	// Unowned positions roll up under a catch-all bucket.
	un := report.Agents["unattributed"]
	assert.Equal(t, 1, un.Positions)
	assert.InDelta(t, 300, un.NotionalUSDT, 1e-9)

	assert.Equal(t, 5, report.OrderPlanIntents)
	assert.Equal(t, "success", report.ExecutionStatus)
}

func TestBuildCycleReportNoDrawdownWhenProfitable(t *testing.T) {
	pos := []positions.Position{
		{Symbol: "BTCUSDT", Quantity: 0.01, MarkPrice: 50000, UnrealizedPnl: 60, AgentOwner: "agent-1"},
	}

	report := BuildCycleReport("run-1", "cycle-1", time.Now().UTC(), pos, 4000, nil, 0, "skipped")

	assert.Zero(t, report.Firm.DrawdownPct)
	assert.InDelta(t, 60, report.Firm.UnrealizedPnlUSDT, 1e-9)
}

func TestReportRepositoryRoundTrip(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "reports_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	repo := NewReportRepository(db.Conn(), zerolog.Nop())

	missing, err := repo.GetByCycle("run-1", "cycle-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	report := BuildCycleReport("run-1", "cycle-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), nil, 4000, nil, 3, "success")
	require.NoError(t, repo.Save(report))

	got, err := repo.GetByCycle("run-1", "cycle-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, report.RunID, got.RunID)
	assert.Equal(t, report.ExecutionStatus, got.ExecutionStatus)
	assert.Equal(t, report.OrderPlanIntents, got.OrderPlanIntents)
}
