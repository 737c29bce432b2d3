package orchestrator

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/modules/positions"
)

// Fill is one attributed execution fill. Attribution comes from the
// planning-time client-order-id table; fills whose order id is not in the
// table are dropped (they belong to another run or manual trading).
type Fill struct {
	AgentID         string  `json:"agent_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Fee             float64 `json:"fee"`
	RealizedPnl     float64 `json:"realized_pnl"`
	ExchangeOrderID int64   `json:"exchange_order_id"`
}

// AgentMetrics aggregates one agent's open risk at cycle end.
type AgentMetrics struct {
	Positions         int     `json:"positions"`
	NotionalUSDT      float64 `json:"notional_usdt"`
	UnrealizedPnlUSDT float64 `json:"unrealized_pnl_usdt"`
	RealizedPnlUSDT   float64 `json:"realized_pnl_usdt"`
	Fills             int     `json:"fills"`
}

// FirmMetrics is the firm-wide rollup.
type FirmMetrics struct {
	CapitalUSDT       float64 `json:"capital_usdt"`
	TotalNotionalUSDT float64 `json:"total_notional_usdt"`
	UnrealizedPnlUSDT float64 `json:"unrealized_pnl_usdt"`
	RealizedPnlUSDT   float64 `json:"realized_pnl_usdt"`
	DrawdownPct       float64 `json:"drawdown_pct"`
	Positions         int     `json:"positions"`
}

// CycleReport is the per-cycle P&L document persisted at cycle end.
type CycleReport struct {
	RunID            string                  `json:"run_id"`
	CycleID          string                  `json:"cycle_id"`
	Timestamp        time.Time               `json:"timestamp"`
	Firm             FirmMetrics             `json:"firm_metrics"`
	Agents           map[string]AgentMetrics `json:"agent_metrics"`
	Fills            []Fill                  `json:"fills,omitempty"`
	OrderPlanIntents int                     `json:"order_plan_intents"`
	ExecutionStatus  string                  `json:"execution_status"`
}

// BuildCycleReport aggregates the synced position store and the cycle's
// attributed fills into per-agent and firm metrics. Positions with no agent
// attribution roll up under agent id "unattributed".
func BuildCycleReport(runID, cycleID string, ts time.Time, pos []positions.Position, capitalUSDT float64, fills []Fill, planIntents int, execStatus string) *CycleReport {
	report := &CycleReport{
		RunID:            runID,
		CycleID:          cycleID,
		Timestamp:        ts.UTC(),
		Agents:           make(map[string]AgentMetrics),
		Fills:            fills,
		OrderPlanIntents: planIntents,
		ExecutionStatus:  execStatus,
	}
	report.Firm.CapitalUSDT = capitalUSDT

	for i := range pos {
		p := &pos[i]
		owner := p.AgentOwner
		if owner == "" {
			owner = "unattributed"
		}
		m := report.Agents[owner]
		m.Positions++
		m.NotionalUSDT += p.NotionalUSDT()
		m.UnrealizedPnlUSDT += p.UnrealizedPnl
		report.Agents[owner] = m

		report.Firm.Positions++
		report.Firm.TotalNotionalUSDT += p.NotionalUSDT()
		report.Firm.UnrealizedPnlUSDT += p.UnrealizedPnl
	}

	for i := range fills {
		f := &fills[i]
		m := report.Agents[f.AgentID]
		m.Fills++
		m.RealizedPnlUSDT += f.RealizedPnl - f.Fee
		report.Agents[f.AgentID] = m
		report.Firm.RealizedPnlUSDT += f.RealizedPnl - f.Fee
	}

	if capitalUSDT > 0 && report.Firm.UnrealizedPnlUSDT < 0 {
		report.Firm.DrawdownPct = -report.Firm.UnrealizedPnlUSDT / capitalUSDT
	}
	return report
}

// ReportRepository persists cycle reports in the shared store.
type ReportRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewReportRepository creates a new cycle report repository
func NewReportRepository(db *sql.DB, log zerolog.Logger) *ReportRepository {
	return &ReportRepository{
		db:  db,
		log: log.With().Str("repo", "cycle_report").Logger(),
	}
}

// Save stores one cycle report verbatim.
func (r *ReportRepository) Save(report *CycleReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle report: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO cycle_reports (run_id, cycle_id, timestamp, document)
		VALUES (?, ?, ?, ?)
	`, report.RunID, report.CycleID, report.Timestamp.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save cycle report: %w", err)
	}
	return nil
}

// GetByCycle retrieves the latest report for one (run, cycle), or nil.
func (r *ReportRepository) GetByCycle(runID, cycleID string) (*CycleReport, error) {
	var doc string
	err := r.db.QueryRow(`
		SELECT document FROM cycle_reports
		WHERE run_id = ? AND cycle_id = ?
		ORDER BY id DESC LIMIT 1
	`, runID, cycleID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle report: %w", err)
	}

	var report CycleReport
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, fmt.Errorf("failed to decode cycle report: %w", err)
	}
	return &report, nil
}

// ListByRun returns every report of a run in cycle order.
func (r *ReportRepository) ListByRun(runID string) ([]CycleReport, error) {
	rows, err := r.db.Query(`
		SELECT document FROM cycle_reports
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle reports: %w", err)
	}
	defer rows.Close()

	var reports []CycleReport
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan cycle report: %w", err)
		}
		var report CycleReport
		if err := json.Unmarshal([]byte(doc), &report); err != nil {
			return nil, fmt.Errorf("failed to decode cycle report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle reports: %w", err)
	}
	return reports, nil
}
