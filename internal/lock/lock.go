// Package lock provides the advisory, non-blocking mutual-exclusion
// primitive the scheduler uses to avoid double-dispatch. It is
// cooperative only: nothing stops a process that ignores it, and it is
// never held across a slice's execution.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Advisory is a TTL lock table sharing the migration database.
type Advisory struct {
	db *sql.DB
}

const lockSchema = `
CREATE TABLE IF NOT EXISTS advisory_locks (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// New prepares the lock table on db.
func New(db *sql.DB) (*Advisory, error) {
	if _, err := db.Exec(lockSchema); err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	return &Advisory{db: db}, nil
}

// TryAcquire attempts to take the named lock for ttl without blocking.
// It succeeds when the lock is free, expired, or already held by the
// same holder (re-entry refreshes the TTL). It returns false, without
// error, when another live holder has it.
func (a *Advisory) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := a.db.ExecContext(ctx, `
INSERT INTO advisory_locks (name, holder, expires_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	holder = excluded.holder,
	expires_at = excluded.expires_at
WHERE advisory_locks.expires_at <= ? OR advisory_locks.holder = excluded.holder`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Release drops the named lock if this holder still owns it. Releasing
// a lock lost to expiry is not an error.
func (a *Advisory) Release(ctx context.Context, name, holder string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}
