package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the shared document store. Every worker process opens the same
// database file; WAL mode plus sqlite's single-writer semantics give the
// insert-if-absent and update-if-owner-matches primitives the pipeline
// relies on.
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	// Use WAL mode for better concurrency across worker processes
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Migrate creates the persisted-state layout: orders (idempotency lookup),
// positions (per run+symbol), locks, append-only audit_log, and the
// replay substrate (proposals, decisions, snapshots, cycle reports).
func (db *DB) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL UNIQUE,
			intent_id TEXT NOT NULL,
			run_id TEXT,
			cycle_id TEXT,
			agent_id TEXT,
			trade_index INTEGER,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			leg TEXT NOT NULL,
			quantity REAL,
			order_type TEXT,
			status TEXT,
			exchange_order_id INTEGER,
			raw TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_run_symbol ON orders(run_id, symbol, created_at)`,
		`CREATE TABLE IF NOT EXISTS positions (
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			cycle_id TEXT,
			quantity REAL NOT NULL,
			avg_entry_price REAL NOT NULL,
			mark_price REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			leverage REAL NOT NULL,
			agent_owner TEXT,
			raw TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			cycle_id TEXT,
			agent_id TEXT,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run_event ON audit_log(run_id, event_type, timestamp)`,
		`CREATE TABLE IF NOT EXISTS trade_proposals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_run_cycle ON trade_proposals(run_id, cycle_id)`,
		`CREATE TABLE IF NOT EXISTS manager_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			manager_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_run_cycle ON manager_decisions(run_id, cycle_id)`,
		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run_cycle ON market_snapshots(run_id, cycle_id)`,
		`CREATE TABLE IF NOT EXISTS cycle_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_run ON cycle_reports(run_id, timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Begin starts a new transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}
