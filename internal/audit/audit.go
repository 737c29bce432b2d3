package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Context carries the ambient identifiers attached to every event.
type Context struct {
	RunID   string
	CycleID string
	AgentID string
}

// Logger appends events to the append-only audit_log table. The audit trail
// is the system of record for every decision and side effect: replay and
// postmortems read it back, so events must never be updated or deleted.
type Logger struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogger creates a new audit logger
func NewLogger(db *sql.DB, log zerolog.Logger) *Logger {
	return &Logger{
		db:  db,
		log: log.With().Str("component", "audit").Logger(),
	}
}

// Log appends one event. Payload must be JSON-serializable; a marshal
// failure is recorded as a degraded event rather than dropped.
func (l *Logger) Log(eventType string, payload interface{}, ctx Context) error {
	body, err := json.Marshal(payload)
	if err != nil {
		l.log.Error().Err(err).Str("event_type", eventType).Msg("Audit payload not serializable")
		body = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	_, err = l.db.Exec(`
		INSERT INTO audit_log (run_id, cycle_id, agent_id, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ctx.RunID, ctx.CycleID, ctx.AgentID, eventType, time.Now().UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Event is one decoded audit row.
type Event struct {
	ID        int64
	RunID     string
	CycleID   string
	AgentID   string
	EventType string
	Timestamp time.Time
	Payload   json.RawMessage
}

// FindEvents returns the events of one type for a (run, cycle), oldest first.
func (l *Logger) FindEvents(runID, eventType, cycleID string) ([]Event, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, cycle_id, agent_id, event_type, timestamp, payload
		FROM audit_log
		WHERE run_id = ? AND event_type = ? AND cycle_id = ?
		ORDER BY id ASC
	`, runID, eventType, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.CycleID, &e.AgentID, &e.EventType, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.Timestamp = t
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
