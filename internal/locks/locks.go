package locks

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of an acquire attempt. A lost race is a normal
// outcome, not an error: Acquired=false and ExpiresAt reports when the
// current holder's claim lapses.
type Result struct {
	Acquired  bool
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manager implements named TTL locks over the shared store. Acquire is a
// single conditional upsert; release is a conditional delete checked against
// the caller's identity. A crashed holder's lock is reclaimed automatically
// once its TTL lapses.
type Manager struct {
	db    *sql.DB
	clock Clock
	log   zerolog.Logger
}

// NewManager creates a new lock manager
func NewManager(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{
		db:    db,
		clock: systemClock{},
		log:   log.With().Str("component", "locks").Logger(),
	}
}

// WithClock returns a copy using the given clock. Test hook.
func (m *Manager) WithClock(clock Clock) *Manager {
	cp := *m
	cp.clock = clock
	return &cp
}

// Acquire takes the named lock if it is free or expired. On contention it
// returns Acquired=false together with the holder's expiry.
func (m *Manager) Acquire(name, owner string, ttl time.Duration) (Result, error) {
	now := m.clock.Now().UTC()
	expires := now.Add(ttl)

	// Conditional upsert: only steal the row when the previous claim has
	// expired. The statement is atomic under sqlite's single-writer model.
	// Instants are stored as epoch nanoseconds so the expiry comparison is
	// numeric, never textual.
	_, err := m.db.Exec(`
		INSERT INTO locks (name, owner, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE locks.expires_at <= excluded.updated_at
	`, name, owner, expires.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	var holder string
	var expiresNanos int64
	err = m.db.QueryRow(`SELECT owner, expires_at FROM locks WHERE name = ?`, name).Scan(&holder, &expiresNanos)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between upsert and read; treat as contention.
		return Result{Acquired: false, Name: name, Owner: owner, ExpiresAt: expires}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read lock %q: %w", name, err)
	}

	heldExpires := time.Unix(0, expiresNanos).UTC()

	if holder == owner {
		m.log.Debug().Str("lock", name).Str("owner", owner).Time("expires_at", heldExpires).Msg("Lock acquired")
		return Result{Acquired: true, Name: name, Owner: owner, ExpiresAt: heldExpires}, nil
	}

	return Result{Acquired: false, Name: name, Owner: owner, ExpiresAt: heldExpires}, nil
}

// Refresh extends the TTL of a lock the caller still owns. Returns false if
// the lock is no longer held by this owner.
func (m *Manager) Refresh(name, owner string, ttl time.Duration) (bool, error) {
	now := m.clock.Now().UTC()
	expires := now.Add(ttl)

	res, err := m.db.Exec(`
		UPDATE locks SET expires_at = ?, updated_at = ?
		WHERE name = ? AND owner = ?
	`, expires.UnixNano(), now.UnixNano(), name, owner)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %q: %w", name, err)
	}
	return n > 0, nil
}

// Release drops the lock only if the caller still owns it. Releasing a lock
// held by someone else is a no-op.
func (m *Manager) Release(name, owner string) error {
	_, err := m.db.Exec(`DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}
