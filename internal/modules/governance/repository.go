package governance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/domain"
)

// ProposalRepository persists agent trade proposals verbatim. Stored
// documents are the replay substrate and are never edited after insert.
type ProposalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewProposalRepository creates a new proposal repository
func NewProposalRepository(db *sql.DB, log zerolog.Logger) *ProposalRepository {
	return &ProposalRepository{
		db:  db,
		log: log.With().Str("repo", "trade_proposals").Logger(),
	}
}

// Save stores one proposal document.
func (r *ProposalRepository) Save(p *domain.TradeProposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO trade_proposals (run_id, cycle_id, agent_id, timestamp, document)
		VALUES (?, ?, ?, ?, ?)
	`, p.RunID, p.CycleID, p.AgentID, p.Timestamp.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	return nil
}

// GetByCycle returns every stored proposal for one (run, cycle), in agent
// order for determinism.
func (r *ProposalRepository) GetByCycle(runID, cycleID string) ([]domain.TradeProposal, error) {
	rows, err := r.db.Query(`
		SELECT document FROM trade_proposals
		WHERE run_id = ? AND cycle_id = ?
		ORDER BY agent_id ASC, id ASC
	`, runID, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeProposal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		var p domain.TradeProposal
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("failed to decode stored proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecisionRepository persists manager decisions verbatim.
type DecisionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *sql.DB, log zerolog.Logger) *DecisionRepository {
	return &DecisionRepository{
		db:  db,
		log: log.With().Str("repo", "manager_decisions").Logger(),
	}
}

// Save stores one decision document.
func (r *DecisionRepository) Save(d *domain.ManagerDecision) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO manager_decisions (run_id, cycle_id, manager_id, timestamp, document)
		VALUES (?, ?, ?, ?, ?)
	`, d.RunID, d.CycleID, d.ManagerID, d.Timestamp.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetByCycle returns the stored decision for one (run, cycle), or nil when
// the manager never ruled on it.
func (r *DecisionRepository) GetByCycle(runID, cycleID string) (*domain.ManagerDecision, error) {
	var doc string
	err := r.db.QueryRow(`
		SELECT document FROM manager_decisions
		WHERE run_id = ? AND cycle_id = ?
		ORDER BY id DESC LIMIT 1
	`, runID, cycleID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}

	var d domain.ManagerDecision
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("failed to decode stored decision: %w", err)
	}
	return &d, nil
}
