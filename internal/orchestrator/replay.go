package orchestrator

import (
	"fmt"
	"time"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/advisor"
	"github.com/quantdesk/trader/internal/domain"
	"github.com/quantdesk/trader/internal/modules/risk"
)

// DocumentDiff compares one stored document against its replayed
// counterpart. Missing is set when exactly one side produced a document.
type DocumentDiff struct {
	Missing  bool        `json:"missing,omitempty"`
	Original bool        `json:"original,omitempty"`
	Replay   bool        `json:"replay,omitempty"`
	Changed  bool        `json:"changed"`
	Diffs    []DiffEntry `json:"diffs,omitempty"`
}

// CycleDiff is the replay verdict for one cycle.
type CycleDiff struct {
	CycleID         string                  `json:"cycle_id"`
	SnapshotMissing bool                    `json:"snapshot_missing,omitempty"`
	Proposals       map[string]DocumentDiff `json:"proposals_diff,omitempty"`
	ManagerDecision *DocumentDiff           `json:"manager_decision_diff,omitempty"`
}

// ReplayReport summarizes a replayed run window.
type ReplayReport struct {
	SourceRunID string      `json:"source_run_id"`
	ReplayRunID string      `json:"replay_run_id"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Cycles      []CycleDiff `json:"cycles"`
}

// ReplayCycle re-derives proposals and a decision from a stored snapshot.
// It never touches live market data, never plans, and never executes: the
// point is to see what governance would have produced, not to trade again.
func (o *Orchestrator) ReplayCycle(sourceRunID, replayRunID, cycleID string) (*CycleResult, error) {
	auditCtx := audit.Context{RunID: replayRunID, CycleID: cycleID, AgentID: "replay"}

	snapshot, err := o.snapshots.GetByCycle(sourceRunID, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("no stored snapshot for run %s cycle %s", sourceRunID, cycleID)
	}

	o.mustAudit("replay_cycle_start", map[string]interface{}{
		"cycle_id":      cycleID,
		"source_run_id": sourceRunID,
	}, auditCtx)

	proposals := make([]domain.TradeProposal, 0, len(o.cfg.AgentIDs))
	for _, agentID := range o.cfg.AgentIDs {
		proposal, err := o.advisors.GetProposal(advisor.ProposalRequest{
			RunID:    replayRunID,
			CycleID:  cycleID,
			AgentID:  agentID,
			Symbols:  o.cfg.Symbols,
			Snapshot: snapshot,
		})
		if err != nil {
			o.mustAudit("trader_proposal_error", map[string]interface{}{
				"cycle_id": cycleID,
				"agent_id": agentID,
				"error":    err.Error(),
			}, auditCtx)
			proposal = &domain.TradeProposal{
				AgentID:   agentID,
				RunID:     replayRunID,
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
		proposals = append(proposals, *proposal)
	}

	firmState := o.deriveFirmState(replayRunID)
	reports := make([]risk.ComplianceReport, 0, len(proposals))
	for i := range proposals {
		reports = append(reports, o.engine.Evaluate(&proposals[i], firmState, o.cfg.AgentBudgetUSDT, snapshot))
	}

	decision := o.collectDecision(replayRunID, cycleID, proposals, reports, auditCtx)

	o.mustAudit("replay_cycle_end", map[string]interface{}{
		"cycle_id":     cycleID,
		"proposals":    len(proposals),
		"has_decision": decision != nil,
	}, auditCtx)

	return &CycleResult{
		RunID:           replayRunID,
		CycleID:         cycleID,
		Proposals:       proposals,
		Decision:        decision,
		ExecutionStatus: "skipped",
	}, nil
}

// RunReplay replays every cycle of a stored run window and diffs the
// replayed proposals and decisions against the originals.
func (o *Orchestrator) RunReplay(sourceRunID, replayRunID string, start, end time.Time) (*ReplayReport, error) {
	cycles, err := o.snapshots.ListCycles(sourceRunID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list source cycles: %w", err)
	}

	report := &ReplayReport{
		SourceRunID: sourceRunID,
		ReplayRunID: replayRunID,
		Start:       start.UTC(),
		End:         end.UTC(),
		Cycles:      []CycleDiff{},
	}

	for _, cycleID := range cycles {
		diff, err := o.replayAndDiff(sourceRunID, replayRunID, cycleID)
		if err != nil {
			return nil, fmt.Errorf("cycle %s: %w", cycleID, err)
		}
		report.Cycles = append(report.Cycles, *diff)
	}

	o.mustAudit("replay_report_ready", map[string]interface{}{
		"source_run_id": sourceRunID,
		"cycles":        len(report.Cycles),
	}, audit.Context{RunID: replayRunID, AgentID: "replay"})
	return report, nil
}

func (o *Orchestrator) replayAndDiff(sourceRunID, replayRunID, cycleID string) (*CycleDiff, error) {
	originalProposals, err := o.proposals.GetByCycle(sourceRunID, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load original proposals: %w", err)
	}
	originalDecision, err := o.decisions.GetByCycle(sourceRunID, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load original decision: %w", err)
	}

	result, err := o.ReplayCycle(sourceRunID, replayRunID, cycleID)
	if err != nil {
		return &CycleDiff{CycleID: cycleID, SnapshotMissing: true}, nil
	}

	diff := &CycleDiff{
		CycleID:   cycleID,
		Proposals: make(map[string]DocumentDiff),
	}

	origByAgent := make(map[string]*domain.TradeProposal, len(originalProposals))
	for i := range originalProposals {
		origByAgent[originalProposals[i].AgentID] = &originalProposals[i]
	}
	replayByAgent := make(map[string]*domain.TradeProposal, len(result.Proposals))
	for i := range result.Proposals {
		replayByAgent[result.Proposals[i].AgentID] = &result.Proposals[i]
	}

	for agentID := range union(origByAgent, replayByAgent) {
		orig, hasOrig := origByAgent[agentID]
		replayed, hasReplay := replayByAgent[agentID]
		if !hasOrig || !hasReplay {
			diff.Proposals[agentID] = DocumentDiff{Missing: true, Original: hasOrig, Replay: hasReplay}
			continue
		}
		diff.Proposals[agentID] = diffDocuments(normalizeProposal(orig), normalizeProposal(replayed))
	}

	switch {
	case originalDecision == nil && result.Decision == nil:
		diff.ManagerDecision = &DocumentDiff{Missing: true}
	case originalDecision == nil || result.Decision == nil:
		diff.ManagerDecision = &DocumentDiff{
			Missing:  true,
			Original: originalDecision != nil,
			Replay:   result.Decision != nil,
		}
	default:
		d := diffDocuments(normalizeDecision(originalDecision), normalizeDecision(result.Decision))
		diff.ManagerDecision = &d
	}

	return diff, nil
}

func diffDocuments(a, b interface{}) DocumentDiff {
	entries, err := DeepDiff(a, b)
	if err != nil {
		return DocumentDiff{Changed: true, Diffs: []DiffEntry{{Path: "$", A: err.Error()}}}
	}
	return DocumentDiff{Changed: len(entries) > 0, Diffs: entries}
}

// normalizeProposal strips the fields that necessarily differ between the
// original run and the replay so the diff surfaces semantic drift only.
func normalizeProposal(p *domain.TradeProposal) *domain.TradeProposal {
	cp := *p
	cp.RunID = ""
	cp.Timestamp = time.Time{}
	return &cp
}

func normalizeDecision(d *domain.ManagerDecision) *domain.ManagerDecision {
	cp := *d
	cp.RunID = ""
	cp.Timestamp = time.Time{}
	return &cp
}

func union(a, b map[string]*domain.TradeProposal) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}
