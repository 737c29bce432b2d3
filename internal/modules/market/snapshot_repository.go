package market

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotRepository persists market snapshots in the shared store.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "market_snapshot").Logger(),
	}
}

// Save stores one cycle's snapshot verbatim.
func (r *SnapshotRepository) Save(snap *Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// The timestamp column is epoch nanoseconds so replay window scans
	// compare numerically; the document keeps the full typed timestamp.
	_, err = r.db.Exec(`
		INSERT INTO market_snapshots (run_id, cycle_id, timestamp, document)
		VALUES (?, ?, ?, ?)
	`, snap.RunID, snap.CycleID, snap.Timestamp.UTC().UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetByCycle retrieves the stored snapshot for one (run, cycle), or nil.
func (r *SnapshotRepository) GetByCycle(runID, cycleID string) (*Snapshot, error) {
	var doc string
	err := r.db.QueryRow(`
		SELECT document FROM market_snapshots
		WHERE run_id = ? AND cycle_id = ?
		ORDER BY id DESC LIMIT 1
	`, runID, cycleID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// ListCycles returns the cycle ids of a run within [start, end), oldest first.
func (r *SnapshotRepository) ListCycles(runID string, start, end time.Time) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT cycle_id FROM market_snapshots
		WHERE run_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, runID, start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot cycles: %w", err)
	}
	defer rows.Close()

	var cycles []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan cycle id: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return cycles, nil
}
