package positions

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/exchange"
	"github.com/quantdesk/trader/internal/modules/risk"
)

// Venue is the exchange surface the reconciler needs.
type Venue interface {
	GetPositions(symbol string) ([]exchange.PositionInfo, error)
}

// Reconciler pulls the venue's position truth into the shared store after
// each execution pass. Exchange positions are firm-level; agent attribution
// is best effort from the most recent order seen for the symbol.
type Reconciler struct {
	repo        *PositionRepository
	venue       Venue
	audit       *audit.Logger
	includeFlat bool
	log         zerolog.Logger
}

// NewReconciler creates a new position reconciler
func NewReconciler(repo *PositionRepository, venue Venue, auditLog *audit.Logger, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:  repo,
		venue: venue,
		audit: auditLog,
		log:   log.With().Str("component", "reconciler").Logger(),
	}
}

// WithIncludeFlat returns a copy that also stores flat positions instead of
// dropping them.
func (r *Reconciler) WithIncludeFlat() *Reconciler {
	cp := *r
	cp.includeFlat = true
	return &cp
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Sync fetches venue positions for the tracked symbols, upserts live ones
// and deletes stored rows for symbols that have gone flat. Returns the live
// positions as stored.
func (r *Reconciler) Sync(runID, cycleID string, symbols []string) ([]Position, error) {
	auditCtx := audit.Context{RunID: runID, CycleID: cycleID, AgentID: "position_tracker"}

	rows, err := r.venue.GetPositions("")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch venue positions: %w", err)
	}

	_ = r.audit.Log("positions_sync_start", map[string]interface{}{
		"symbols": symbols,
		"rows":    len(rows),
	}, auditCtx)

	tracked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		tracked[s] = true
	}

	live := make(map[string]bool)
	var out []Position

	for i := range rows {
		p := &rows[i]
		if p.Symbol == "" || (len(tracked) > 0 && !tracked[p.Symbol]) {
			continue
		}

		qty := p.Quantity()
		if qty > -1e-12 && qty < 1e-12 && !r.includeFlat {
			continue
		}
		live[p.Symbol] = true

		owner, err := r.repo.LastOrderAgent(runID, p.Symbol)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Attribution lookup failed")
		}

		pos := Position{
			RunID:         runID,
			Symbol:        p.Symbol,
			CycleID:       cycleID,
			Quantity:      qty,
			AvgEntryPrice: parseF(p.EntryPrice),
			MarkPrice:     parseF(p.MarkPrice),
			UnrealizedPnl: parseF(p.UnrealizedProfit),
			Leverage:      parseF(p.Leverage),
			AgentOwner:    owner,
		}
		if err := r.repo.Upsert(&pos); err != nil {
			return nil, err
		}
		out = append(out, pos)
	}

	// Flat on the venue means gone from the store.
	stored, err := r.repo.ListByRun(runID)
	if err != nil {
		return nil, err
	}
	for i := range stored {
		if !live[stored[i].Symbol] {
			if err := r.repo.Delete(runID, stored[i].Symbol); err != nil {
				return nil, err
			}
		}
	}

	syncedSymbols := make([]string, 0, len(out))
	for i := range out {
		syncedSymbols = append(syncedSymbols, out[i].Symbol)
	}
	_ = r.audit.Log("positions_sync_complete", map[string]interface{}{
		"synced":  len(out),
		"symbols": syncedSymbols,
	}, auditCtx)

	return out, nil
}

// DeriveFirmState summarizes the stored positions into the exposure numbers
// the rule engine evaluates against.
func DeriveFirmState(positions []Position, capitalUSDT float64, agentBudgets map[string]float64) risk.FirmState {
	state := risk.FirmState{
		CapitalUSDT:  capitalUSDT,
		AgentBudgets: agentBudgets,
	}

	totalPnl := 0.0
	for i := range positions {
		state.TotalNotionalUSDT += positions[i].NotionalUSDT()
		totalPnl += positions[i].UnrealizedPnl
	}

	if capitalUSDT > 0 && totalPnl < 0 {
		state.DrawdownPct = -totalPnl / capitalUSDT
	}
	return state
}
