package orchestrator

import (
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/advisor"
	"github.com/quantdesk/trader/internal/clients/exchange"
	"github.com/quantdesk/trader/internal/config"
	"github.com/quantdesk/trader/internal/database"
	"github.com/quantdesk/trader/internal/domain"
	"github.com/quantdesk/trader/internal/locks"
	"github.com/quantdesk/trader/internal/modules/governance"
	"github.com/quantdesk/trader/internal/modules/market"
	"github.com/quantdesk/trader/internal/modules/planning"
	"github.com/quantdesk/trader/internal/modules/positions"
	"github.com/quantdesk/trader/internal/modules/risk"
)

// Name of the lock serializing the execute phase across workers.
const executeLockName = "execute_phase"

// Note appended to decision items degraded to defer because the manager
// omitted the keys planning needs.
const deferNote = "[SYSTEM: missing agent_id/trade_index; deferred for safety]"

// AdvisorGateway produces proposals and decisions. *advisor.Client
// satisfies it; tests substitute a fake.
type AdvisorGateway interface {
	GetProposal(req advisor.ProposalRequest) (*domain.TradeProposal, error)
	GetDecision(req advisor.DecisionRequest) (*domain.ManagerDecision, error)
}

// MarketFeed provides the cycle's market snapshot.
type MarketFeed interface {
	GetSnapshot(runID, cycleID string, symbols []string) (*market.Snapshot, error)
}

// PlanExecutor submits an order plan to the venue.
type PlanExecutor interface {
	ExecutePlan(plan *planning.OrderPlan) (*planning.ExecutionReport, error)
}

// PositionSyncer reconciles the position store against the venue.
type PositionSyncer interface {
	Sync(runID, cycleID string, symbols []string) ([]positions.Position, error)
}

// FillSource returns the account's own recent fills for a symbol.
type FillSource interface {
	GetRecentTrades(symbol string, limit int, startTime int64) ([]exchange.AccountTrade, error)
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	RunID            string
	CycleID          string
	Proposals        []domain.TradeProposal
	Decision         *domain.ManagerDecision
	OrderPlanIntents int
	ExecutionStatus  string
}

// Orchestrator drives the cycle state machine: snapshot, proposals, risk,
// decision, order plan, execution, reconciliation, report. Each stage's
// failure is audited and contained so one bad cycle never kills the run.
type Orchestrator struct {
	cfg *config.Config

	audit     *audit.Logger
	snapshots *market.SnapshotRepository
	proposals *governance.ProposalRepository
	decisions *governance.DecisionRepository
	reports   *ReportRepository
	posRepo   *positions.PositionRepository
	locks     *locks.Manager

	engine  *risk.Engine
	planner *planning.Planner

	advisors AdvisorGateway
	feed     MarketFeed
	executor PlanExecutor
	syncer   PositionSyncer
	fills    FillSource

	log zerolog.Logger
	now func() time.Time
}

// NewOrchestrator wires the pipeline around the shared store. The executor,
// syncer, and fills source may be nil when execution is disabled; the
// orchestrator then stops after persisting the decision and order plan.
func NewOrchestrator(cfg *config.Config, db *database.DB, advisors AdvisorGateway, feed MarketFeed, executor PlanExecutor, syncer PositionSyncer, fills FillSource, log zerolog.Logger) *Orchestrator {
	conn := db.Conn()
	return &Orchestrator{
		cfg:       cfg,
		audit:     audit.NewLogger(conn, log),
		snapshots: market.NewSnapshotRepository(conn, log),
		proposals: governance.NewProposalRepository(conn, log),
		decisions: governance.NewDecisionRepository(conn, log),
		reports:   NewReportRepository(conn, log),
		posRepo:   positions.NewPositionRepository(conn, log),
		locks:     locks.NewManager(conn, log),
		engine:    risk.NewEngine(cfg.Limits, log),
		planner:   planning.NewPlanner(log),
		advisors:  advisors,
		feed:      feed,
		executor:  executor,
		syncer:    syncer,
		fills:     fills,
		log:       log.With().Str("component", "orchestrator").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow returns a copy using the given time source. Test hook.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	cp := *o
	cp.now = now
	return &cp
}

// NewRunID derives a run id from a wall-clock instant.
func NewRunID(t time.Time) string {
	return "run_" + t.UTC().Format("20060102_150405")
}

// NewCycleID derives a cycle id from a wall-clock instant.
func NewCycleID(t time.Time) string {
	return "cycle_" + t.UTC().Format("20060102_150405")
}

// RunCycle executes one full pipeline cycle. It returns an error only when
// the cycle could not meaningfully proceed (no snapshot); downstream stage
// failures are audited and degrade the cycle instead of aborting it.
func (o *Orchestrator) RunCycle(runID, cycleID string) (*CycleResult, error) {
	cycleStart := o.now()
	auditCtx := audit.Context{RunID: runID, CycleID: cycleID, AgentID: "orchestrator"}
	log := o.log.With().Str("run_id", runID).Str("cycle_id", cycleID).Logger()

	o.mustAudit("cycle_start", map[string]interface{}{
		"cycle_id": cycleID,
		"symbols":  o.cfg.Symbols,
		"agents":   o.cfg.AgentIDs,
	}, auditCtx)

	// Snapshot. Without market context nothing downstream is meaningful.
	snapshot, err := o.feed.GetSnapshot(runID, cycleID, o.cfg.Symbols)
	if err != nil {
		o.mustAudit("cycle_error", map[string]interface{}{"stage": "snapshot", "error": err.Error()}, auditCtx)
		return nil, err
	}
	if err := o.snapshots.Save(snapshot); err != nil {
		o.mustAudit("cycle_error", map[string]interface{}{"stage": "snapshot_store", "error": err.Error()}, auditCtx)
		return nil, err
	}
	o.mustAudit("market_snapshot_ready", map[string]interface{}{
		"cycle_id": cycleID,
		"symbols":  len(snapshot.PerSymbol),
	}, auditCtx)

	// Proposals. The advisor client degrades a failing trader to an
	// explicit no-trade proposal, so this stage always yields one document
	// per agent.
	proposals := o.collectProposals(runID, cycleID, snapshot, auditCtx)

	// Deterministic risk validation against the current firm state.
	firmState := o.deriveFirmState(runID)
	reports := make([]risk.ComplianceReport, 0, len(proposals))
	for i := range proposals {
		reports = append(reports, o.engine.Evaluate(&proposals[i], firmState, o.cfg.AgentBudgetUSDT, snapshot))
	}
	o.mustAudit("risk_reports_ready", map[string]interface{}{
		"cycle_id": cycleID,
		"reports":  len(reports),
	}, auditCtx)

	// Manager decision. A failing manager means no decision this cycle:
	// planning and execution are skipped but the cycle still reconciles
	// and reports.
	decision := o.collectDecision(runID, cycleID, proposals, reports, auditCtx)

	result := &CycleResult{
		RunID:           runID,
		CycleID:         cycleID,
		Proposals:       proposals,
		Decision:        decision,
		ExecutionStatus: "skipped",
	}

	var plan *planning.OrderPlan
	if decision != nil {
		plan = o.buildPlan(proposals, decision, auditCtx)
	}
	if plan != nil {
		result.OrderPlanIntents = len(plan.Intents)
	}

	var execReport *planning.ExecutionReport
	if plan != nil && len(plan.Intents) > 0 && o.cfg.ExecuteEnabled && o.executor != nil {
		execReport = o.executePlan(plan, auditCtx, log)
	}
	result.ExecutionStatus = executionStatus(execReport)

	var fills []Fill
	if execReport != nil && o.fills != nil {
		fills = o.attributeFills(plan, execReport, cycleStart, auditCtx)
	}

	// Reconcile. Venue positions are authoritative; a sync failure leaves
	// the stored view stale but audited.
	var synced []positions.Position
	if o.syncer != nil {
		synced, err = o.syncer.Sync(runID, cycleID, o.cfg.Symbols)
		if err != nil {
			o.mustAudit("positions_sync_error", map[string]interface{}{"cycle_id": cycleID, "error": err.Error()}, auditCtx)
			synced = nil
		}
	}

	report := BuildCycleReport(runID, cycleID, o.now(), synced, o.cfg.FirmCapitalUSDT, fills, result.OrderPlanIntents, result.ExecutionStatus)
	if err := o.reports.Save(report); err != nil {
		o.mustAudit("report_store_error", map[string]interface{}{"cycle_id": cycleID, "error": err.Error()}, auditCtx)
	} else {
		o.mustAudit("pnl_report_generated", map[string]interface{}{
			"cycle_id":     cycleID,
			"firm_metrics": report.Firm,
		}, auditCtx)
	}

	if history, err := o.reports.ListByRun(runID); err == nil {
		metrics := BuildRunMetrics(o.cfg.FirmCapitalUSDT, history, periodsPerYear(o.cfg.CadenceMinutes))
		o.mustAudit("run_metrics_updated", map[string]interface{}{
			"cycle_id": cycleID,
			"metrics":  metrics,
		}, auditCtx)
	}

	o.mustAudit("cycle_end", map[string]interface{}{
		"cycle_id":           cycleID,
		"order_plan_intents": result.OrderPlanIntents,
		"execution_status":   result.ExecutionStatus,
	}, auditCtx)

	log.Info().
		Int("intents", result.OrderPlanIntents).
		Str("execution_status", result.ExecutionStatus).
		Msg("Cycle complete")
	return result, nil
}

func (o *Orchestrator) collectProposals(runID, cycleID string, snapshot *market.Snapshot, auditCtx audit.Context) []domain.TradeProposal {
	out := make([]domain.TradeProposal, 0, len(o.cfg.AgentIDs))
	for _, agentID := range o.cfg.AgentIDs {
		proposal, err := o.advisors.GetProposal(advisor.ProposalRequest{
			RunID:    runID,
			CycleID:  cycleID,
			AgentID:  agentID,
			Symbols:  o.cfg.Symbols,
			Snapshot: snapshot,
		})
		if err != nil {
			// Defensive: the client degrades internally, so an error here
			// means the degraded path itself failed. Force the no-trade
			// document so governance still sees every agent.
			o.mustAudit("trader_proposal_error", map[string]interface{}{
				"cycle_id": cycleID,
				"agent_id": agentID,
				"error":    err.Error(),
			}, auditCtx)
			proposal = &domain.TradeProposal{
				AgentID:   agentID,
				RunID:     runID,
				CycleID:   cycleID,
				Timestamp: o.now(),
				Trades:    []domain.TradeIdea{},
				Notes:     "proposal stage failed; explicit no-trade",
			}
		}
		if err := o.proposals.Save(proposal); err != nil {
			o.mustAudit("proposal_store_error", map[string]interface{}{
				"cycle_id": cycleID,
				"agent_id": agentID,
				"error":    err.Error(),
			}, auditCtx)
		}
		o.mustAudit("trader_proposal_ready", map[string]interface{}{
			"cycle_id": cycleID,
			"agent_id": agentID,
			"trades":   len(proposal.Trades),
		}, auditCtx)
		out = append(out, *proposal)
	}
	return out
}

func (o *Orchestrator) deriveFirmState(runID string) risk.FirmState {
	stored, err := o.posRepo.ListByRun(runID)
	if err != nil {
		o.log.Warn().Err(err).Msg("Position store unavailable; firm state assumes no open risk")
		stored = nil
	}
	budgets := make(map[string]float64, len(o.cfg.AgentIDs))
	for _, id := range o.cfg.AgentIDs {
		budgets[id] = o.cfg.AgentBudgetUSDT
	}
	return positions.DeriveFirmState(stored, o.cfg.FirmCapitalUSDT, budgets)
}

func (o *Orchestrator) collectDecision(runID, cycleID string, proposals []domain.TradeProposal, reports []risk.ComplianceReport, auditCtx audit.Context) *domain.ManagerDecision {
	decision, err := o.advisors.GetDecision(advisor.DecisionRequest{
		RunID:     runID,
		CycleID:   cycleID,
		ManagerID: o.cfg.ManagerID,
		Proposals: proposals,
		Reports:   reports,
	})
	if err != nil {
		o.mustAudit("manager_decision_error", map[string]interface{}{"cycle_id": cycleID, "error": err.Error()}, auditCtx)
		return nil
	}
	if decision == nil {
		o.mustAudit("manager_decision_missing", map[string]interface{}{"cycle_id": cycleID}, auditCtx)
		return nil
	}

	// Normalize: identity and timing fields are the orchestrator's to set,
	// whatever the manager echoed back.
	decision.ManagerID = o.cfg.ManagerID
	decision.RunID = runID
	decision.CycleID = cycleID
	decision.Timestamp = o.now()

	deferred := hardenDecision(decision)
	if deferred > 0 {
		o.mustAudit("manager_decision_hardened", map[string]interface{}{
			"cycle_id": cycleID,
			"deferred": deferred,
		}, auditCtx)
	}

	if err := o.decisions.Save(decision); err != nil {
		o.mustAudit("decision_store_error", map[string]interface{}{"cycle_id": cycleID, "error": err.Error()}, auditCtx)
	}
	o.mustAudit("manager_decision_ready", map[string]interface{}{
		"cycle_id":  cycleID,
		"decisions": len(decision.Decisions),
	}, auditCtx)
	return decision
}

// hardenDecision degrades approve/resize items that lack the keys planning
// resolves trades by. Planning would reject the whole decision otherwise;
// deferring just the broken items keeps the rest actionable. Returns the
// number of items degraded.
func hardenDecision(decision *domain.ManagerDecision) int {
	deferred := 0
	for i := range decision.Decisions {
		item := &decision.Decisions[i]
		if item.Decision != domain.DecisionApprove && item.Decision != domain.DecisionResize {
			continue
		}
		if item.AgentID != "" && item.TradeIndex != nil {
			continue
		}
		item.Decision = domain.DecisionDefer
		item.ApprovedSizeUSDT = nil
		item.ApprovedLeverage = nil
		if item.Notes != "" {
			item.Notes += " "
		}
		item.Notes += deferNote
		deferred++
	}
	return deferred
}

func (o *Orchestrator) buildPlan(proposals []domain.TradeProposal, decision *domain.ManagerDecision, auditCtx audit.Context) *planning.OrderPlan {
	plan, err := o.planner.BuildPlan(proposals, decision)
	if err != nil {
		var planErr *planning.PlanError
		if errors.As(err, &planErr) {
			o.mustAudit("order_plan_error", map[string]interface{}{
				"cycle_id": decision.CycleID,
				"error":    planErr.Error(),
			}, auditCtx)
			return nil
		}
		o.mustAudit("order_plan_error", map[string]interface{}{
			"cycle_id": decision.CycleID,
			"error":    err.Error(),
		}, auditCtx)
		return nil
	}
	o.mustAudit("order_plan_ready", map[string]interface{}{
		"cycle_id": decision.CycleID,
		"intents":  len(plan.Intents),
	}, auditCtx)
	return plan
}

func (o *Orchestrator) executePlan(plan *planning.OrderPlan, auditCtx audit.Context, log zerolog.Logger) *planning.ExecutionReport {
	// Execution is the one phase with side effects on the venue, so it runs
	// under an exclusive TTL lock. Losing the race is not an error: the
	// holder is executing, and idempotency keys make a later retry safe.
	lock, err := o.locks.Acquire(executeLockName, o.cfg.WorkerID, o.cfg.LockTTL)
	if err != nil {
		o.mustAudit("execution_error", map[string]interface{}{"cycle_id": plan.CycleID, "error": err.Error()}, auditCtx)
		return nil
	}
	if !lock.Acquired {
		o.mustAudit("execution_lock_held", map[string]interface{}{
			"cycle_id":   plan.CycleID,
			"holder":     lock.Owner,
			"expires_at": lock.ExpiresAt,
		}, auditCtx)
		log.Warn().Str("holder", lock.Owner).Msg("Execute lock held by another worker; skipping execution")
		return nil
	}
	defer func() {
		if err := o.locks.Release(executeLockName, o.cfg.WorkerID); err != nil {
			log.Warn().Err(err).Msg("Failed to release execute lock; TTL will reclaim it")
		}
	}()

	o.mustAudit("execution_started", map[string]interface{}{
		"cycle_id": plan.CycleID,
		"intents":  len(plan.Intents),
	}, auditCtx)

	report, err := o.executor.ExecutePlan(plan)
	if err != nil {
		o.mustAudit("execution_error", map[string]interface{}{"cycle_id": plan.CycleID, "error": err.Error()}, auditCtx)
		return report
	}
	o.mustAudit("execution_complete", map[string]interface{}{
		"cycle_id": plan.CycleID,
		"results":  len(report.Results),
		"status":   executionStatus(report),
	}, auditCtx)
	return report
}

// executionStatus rolls a report up to one word: any failure taints the
// cycle, any placement counts as success, everything else was a no-op.
func executionStatus(report *planning.ExecutionReport) string {
	if report == nil {
		return "skipped"
	}
	anyPlaced := false
	for i := range report.Results {
		switch report.Results[i].Status {
		case planning.StatusFailed:
			return "failed"
		case planning.StatusPlaced, planning.StatusAlreadyExists:
			anyPlaced = true
		}
	}
	if anyPlaced {
		return "success"
	}
	return "skipped"
}

// attributeFills maps the venue's recent fills back to agents through the
// planning-time client-order-id table. Only fills whose exchange order id
// matches an order this cycle placed are attributed.
func (o *Orchestrator) attributeFills(plan *planning.OrderPlan, report *planning.ExecutionReport, since time.Time, auditCtx audit.Context) []Fill {
	attribution := plan.AttributionMap()
	byExchangeID := make(map[int64]planning.Attribution)
	for i := range report.Results {
		res := &report.Results[i]
		if res.ExchangeOrderID == 0 {
			continue
		}
		if attr, ok := attribution[res.ClientOrderID]; ok {
			byExchangeID[res.ExchangeOrderID] = attr
		}
	}
	if len(byExchangeID) == 0 {
		return nil
	}

	symbols := make(map[string]bool)
	for i := range plan.Intents {
		symbols[plan.Intents[i].Symbol] = true
	}

	var fills []Fill
	for symbol := range symbols {
		trades, err := o.fills.GetRecentTrades(symbol, 0, since.UnixMilli())
		if err != nil {
			o.mustAudit("fill_fetch_error", map[string]interface{}{
				"cycle_id": plan.CycleID,
				"symbol":   symbol,
				"error":    err.Error(),
			}, auditCtx)
			continue
		}
		for i := range trades {
			t := &trades[i]
			attr, ok := byExchangeID[t.OrderID]
			if !ok {
				continue
			}
			fills = append(fills, Fill{
				AgentID:         attr.AgentID,
				Symbol:          t.Symbol,
				Side:            t.Side,
				Quantity:        parseF(t.Qty),
				Price:           parseF(t.Price),
				Fee:             parseF(t.CommissionUSD),
				RealizedPnl:     parseF(t.RealizedPnl),
				ExchangeOrderID: t.OrderID,
			})
		}
	}
	if len(fills) > 0 {
		o.mustAudit("fills_attributed", map[string]interface{}{
			"cycle_id": plan.CycleID,
			"fills":    len(fills),
		}, auditCtx)
	}
	return fills
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// mustAudit writes an event and only logs on failure. The audit trail being
// unwritable should never turn into a second failure mode mid-cycle.
func (o *Orchestrator) mustAudit(eventType string, payload interface{}, ctx audit.Context) {
	if err := o.audit.Log(eventType, payload, ctx); err != nil {
		o.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to write audit event")
	}
}
