package positions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PositionRepository persists reconciled positions, one row per run+symbol.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// Upsert replaces the stored position for (run, symbol).
func (r *PositionRepository) Upsert(p *Position) error {
	_, err := r.db.Exec(`
		INSERT INTO positions (run_id, symbol, cycle_id, quantity, avg_entry_price,
		                       mark_price, unrealized_pnl, leverage, agent_owner, raw, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, symbol) DO UPDATE SET
			cycle_id = excluded.cycle_id,
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			mark_price = excluded.mark_price,
			unrealized_pnl = excluded.unrealized_pnl,
			leverage = excluded.leverage,
			agent_owner = excluded.agent_owner,
			raw = excluded.raw,
			updated_at = excluded.updated_at
	`, p.RunID, p.Symbol, p.CycleID, p.Quantity, p.AvgEntryPrice,
		p.MarkPrice, p.UnrealizedPnl, p.Leverage, p.AgentOwner, p.Raw,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// Delete removes the stored position for (run, symbol). Used when a position
// has gone flat on the venue.
func (r *PositionRepository) Delete(runID, symbol string) error {
	_, err := r.db.Exec(`DELETE FROM positions WHERE run_id = ? AND symbol = ?`, runID, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// ListByRun returns every stored position for a run.
func (r *PositionRepository) ListByRun(runID string) ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT run_id, symbol, cycle_id, quantity, avg_entry_price,
		       mark_price, unrealized_pnl, leverage, agent_owner, raw, updated_at
		FROM positions WHERE run_id = ? ORDER BY symbol ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var updatedAt string
		if err := rows.Scan(&p.RunID, &p.Symbol, &p.CycleID, &p.Quantity, &p.AvgEntryPrice,
			&p.MarkPrice, &p.UnrealizedPnl, &p.Leverage, &p.AgentOwner, &p.Raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			p.UpdatedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastOrderAgent returns the agent that most recently submitted an order for
// a symbol in this run, or "" if none is on record.
func (r *PositionRepository) LastOrderAgent(runID, symbol string) (string, error) {
	var agentID string
	err := r.db.QueryRow(`
		SELECT agent_id FROM orders
		WHERE run_id = ? AND symbol = ?
		ORDER BY id DESC LIMIT 1
	`, runID, symbol).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up last order agent: %w", err)
	}
	return agentID, nil
}
