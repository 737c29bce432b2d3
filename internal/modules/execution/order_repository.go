package execution

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/modules/planning"
)

// OrderRecord is one submitted leg as persisted in the shared store. The
// client order id is the idempotency key: at most one record per id exists.
type OrderRecord struct {
	ClientOrderID   string  `json:"client_order_id"`
	IntentID        string  `json:"intent_id"`
	RunID           string  `json:"run_id,omitempty"`
	CycleID         string  `json:"cycle_id,omitempty"`
	AgentID         string  `json:"agent_id,omitempty"`
	TradeIndex      int     `json:"trade_index"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Leg             string  `json:"leg"`
	Quantity        float64 `json:"quantity"`
	OrderType       string  `json:"order_type"`
	Status          string  `json:"status"`
	ExchangeOrderID int64   `json:"exchange_order_id"`
	Raw             string  `json:"raw,omitempty"`
	CreatedAt       time.Time
}

// OrderRepository persists submitted orders for idempotency lookups.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// FindByClientOrderID returns the stored record for an idempotency key, or
// nil when the leg was never submitted.
func (r *OrderRepository) FindByClientOrderID(clientOrderID string) (*OrderRecord, error) {
	var rec OrderRecord
	var createdAt string
	err := r.db.QueryRow(`
		SELECT client_order_id, intent_id, run_id, cycle_id, agent_id, trade_index,
		       symbol, side, leg, quantity, order_type, status, exchange_order_id, raw, created_at
		FROM orders WHERE client_order_id = ?
	`, clientOrderID).Scan(
		&rec.ClientOrderID, &rec.IntentID, &rec.RunID, &rec.CycleID, &rec.AgentID, &rec.TradeIndex,
		&rec.Symbol, &rec.Side, &rec.Leg, &rec.Quantity, &rec.OrderType, &rec.Status,
		&rec.ExchangeOrderID, &rec.Raw, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

// Record stores a successfully submitted leg. Insert-if-absent: a concurrent
// duplicate submission loses silently, which is the point.
func (r *OrderRepository) Record(intent *planning.OrderIntent, quantity float64, res interface{}, status string, exchangeOrderID int64) error {
	raw := ""
	if res != nil {
		if body, err := json.Marshal(res); err == nil {
			raw = string(body)
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO orders (client_order_id, intent_id, run_id, cycle_id, agent_id, trade_index,
		                    symbol, side, leg, quantity, order_type, status, exchange_order_id, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO NOTHING
	`, intent.ClientOrderID, intent.IntentID, intent.RunID, intent.CycleID, intent.AgentID, intent.TradeIndex,
		intent.Symbol, string(intent.Side), string(intent.Leg), quantity, string(intent.OrderType),
		status, exchangeOrderID, raw, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// ListByRun returns every recorded leg for a run, oldest first.
func (r *OrderRepository) ListByRun(runID string) ([]OrderRecord, error) {
	rows, err := r.db.Query(`
		SELECT client_order_id, intent_id, run_id, cycle_id, agent_id, trade_index,
		       symbol, side, leg, quantity, order_type, status, exchange_order_id, raw, created_at
		FROM orders WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var createdAt string
		if err := rows.Scan(
			&rec.ClientOrderID, &rec.IntentID, &rec.RunID, &rec.CycleID, &rec.AgentID, &rec.TradeIndex,
			&rec.Symbol, &rec.Side, &rec.Leg, &rec.Quantity, &rec.OrderType, &rec.Status,
			&rec.ExchangeOrderID, &rec.Raw, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
