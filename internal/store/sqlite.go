package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"gradual/internal/migration"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS migrations (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	args          TEXT NOT NULL DEFAULT '{}',
	shard         TEXT NOT NULL DEFAULT '',
	resource      TEXT NOT NULL DEFAULT '',
	parent_id     TEXT NOT NULL DEFAULT '',
	composite     INTEGER NOT NULL DEFAULT 0,
	cursor        TEXT NOT NULL DEFAULT '',
	processed     INTEGER NOT NULL DEFAULT 0,
	total         INTEGER,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	finished_at   DATETIME,
	heartbeat_at  DATETIME NOT NULL,
	pace_ms       INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_trace   TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_migrations_identity ON migrations(name, args, shard);
CREATE INDEX IF NOT EXISTS idx_migrations_status ON migrations(status);
CREATE INDEX IF NOT EXISTS idx_migrations_parent ON migrations(parent_id);

CREATE TABLE IF NOT EXISTS slices (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	migration_id TEXT NOT NULL,
	low          INTEGER NOT NULL,
	high         INTEGER NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 1,
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME,
	error        TEXT NOT NULL DEFAULT '',
	UNIQUE (migration_id, low, high)
);
`

// NewSQLiteStore opens (or creates) the migration database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLiteStore{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

const migrationFields = `id, name, args, shard, resource, parent_id, composite,
	cursor, processed, total, attempts, max_attempts, status,
	created_at, started_at, finished_at, heartbeat_at, pace_ms,
	error_kind, error_message, error_trace`

func scanMigration(row interface{ Scan(...any) error }) (*migration.Migration, error) {
	m := new(migration.Migration)
	var args string
	var total sql.NullInt64
	var started, finished sql.NullTime
	var paceMs int64
	err := row.Scan(
		&m.ID, &m.Name, &args, &m.Shard, &m.Resource, &m.ParentID, &m.Composite,
		&m.Cursor, &m.Processed, &total, &m.Attempts, &m.MaxAttempts, &m.Status,
		&m.CreatedAt, &started, &finished, &m.HeartbeatAt, &paceMs,
		&m.ErrorKind, &m.ErrorMessage, &m.ErrorTrace,
	)
	if err != nil {
		return nil, err
	}
	m.Args = []byte(args)
	if total.Valid {
		m.Total = &total.Int64
	}
	if started.Valid {
		t := started.Time
		m.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		m.FinishedAt = &t
	}
	m.Pace = time.Duration(paceMs) * time.Millisecond
	return m, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, p EnqueueParams) (*migration.Migration, bool, error) {
	if p.Name == "" {
		return nil, false, &migration.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.MaxAttempts <= 0 {
		return nil, false, &migration.ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}
	args := string(p.Args)
	if args == "" {
		args = "{}"
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	s.writeMu.Lock()
	var res sql.Result
	err := s.retryOnBusy(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
INSERT INTO migrations (id, name, args, shard, resource, parent_id, composite,
	max_attempts, status, created_at, heartbeat_at, pace_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name, args, shard) DO NOTHING`,
			id, p.Name, args, p.Shard, p.Resource, p.ParentID, p.Composite,
			p.MaxAttempts, migration.StatusPending, now, now, p.Pace.Milliseconds())
		return err
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", p.Name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf(`SELECT %s FROM migrations WHERE name = ? AND args = ? AND shard = ?`, migrationFields)
	m, err := scanMigration(s.db.QueryRowContext(ctx, query, p.Name, args, p.Shard))
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: reading back record: %w", p.Name, err)
	}
	return m, rows == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*migration.Migration, error) {
	query := fmt.Sprintf(`SELECT %s FROM migrations WHERE id = ?`, migrationFields)
	m, err := scanMigration(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*migration.Migration, error) {
	query := fmt.Sprintf(`SELECT %s FROM migrations`, migrationFields)
	var conds []string
	var args []any
	if f.Shard != "" {
		conds = append(conds, "shard = ?")
		args = append(args, f.Shard)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// ULIDs sort by creation time, so ordering by id is FIFO.
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []*migration.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func (s *SQLiteStore) Children(ctx context.Context, parentID string) ([]*migration.Migration, error) {
	query := fmt.Sprintf(`SELECT %s FROM migrations WHERE parent_id = ? ORDER BY id ASC`, migrationFields)
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []*migration.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to migration.Status) error {
	if err := migration.ValidateTransition(id, from, to); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE migrations SET
	status = ?,
	heartbeat_at = ?,
	started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
	finished_at = CASE WHEN ? IN ('succeeded', 'failed', 'cancelled') THEN ? ELSE finished_at END
WHERE id = ? AND status = ?`,
			to, now, to, now, to, now, id, from)
		if err != nil {
			return err
		}
		return s.checkStatusWrite(ctx, res, id, to)
	})
}

// checkStatusWrite turns a zero-row CAS result into the right typed
// error: the stored status changed underneath us, or the row is gone.
func (s *SQLiteStore) checkStatusWrite(ctx context.Context, res sql.Result, id string, to migration.Status) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &migration.StateTransitionError{ID: id, From: cur.Status, To: to}
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, id string, cursor string, delta int64) error {
	now := time.Now().UTC()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE migrations SET cursor = ?, processed = processed + ?, heartbeat_at = ?
WHERE id = ?`, cursor, delta, now, id)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) SetTotal(ctx context.Context, id string, total int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE migrations SET total = ? WHERE id = ?`, total, id)
		return err
	})
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE migrations SET heartbeat_at = ? WHERE id = ?`,
			time.Now().UTC(), id)
		return err
	})
}

func (s *SQLiteStore) RecordError(ctx context.Context, id string, from, to migration.Status, attempts int, kind migration.ErrorKind, message, trace string) error {
	if err := migration.ValidateTransition(id, from, to); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE migrations SET
	status = ?,
	attempts = ?,
	error_kind = ?,
	error_message = ?,
	error_trace = ?,
	heartbeat_at = ?,
	finished_at = CASE WHEN ? IN ('succeeded', 'failed', 'cancelled') THEN ? ELSE finished_at END
WHERE id = ? AND status = ?`,
			to, attempts, kind, message, trace, now, to, now, id, from)
		if err != nil {
			return err
		}
		return s.checkStatusWrite(ctx, res, id, to)
	})
}

func (s *SQLiteStore) ResetForRetry(ctx context.Context, id string) error {
	if err := migration.ValidateTransition(id, migration.StatusFailed, migration.StatusPending); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE migrations SET
	status = ?,
	attempts = 0,
	error_kind = '',
	error_message = '',
	error_trace = '',
	finished_at = NULL,
	heartbeat_at = ?
WHERE id = ? AND status = ?`,
			migration.StatusPending, now, id, migration.StatusFailed)
		if err != nil {
			return err
		}
		return s.checkStatusWrite(ctx, res, id, migration.StatusPending)
	})
}

func (s *SQLiteStore) BeginSlice(ctx context.Context, migrationID string, low, high int64) (int64, error) {
	now := time.Now().UTC()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var sliceID int64
	err := s.retryOnBusy(func() error {
		// Re-running the same bounds after a crash bumps attempts on
		// the existing row instead of inserting a duplicate.
		_, err := s.db.ExecContext(ctx, `
INSERT INTO slices (migration_id, low, high, status, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (migration_id, low, high) DO UPDATE SET
	status = excluded.status,
	attempts = attempts + 1,
	started_at = excluded.started_at,
	finished_at = NULL,
	error = ''`,
			migrationID, low, high, migration.StatusRunning, now)
		if err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx,
			`SELECT id FROM slices WHERE migration_id = ? AND low = ? AND high = ?`,
			migrationID, low, high).Scan(&sliceID)
	})
	return sliceID, err
}

func (s *SQLiteStore) FinishSlice(ctx context.Context, sliceID int64, status migration.Status, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE slices SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
			status, time.Now().UTC(), errMsg, sliceID)
		return err
	})
}

func (s *SQLiteStore) Slices(ctx context.Context, migrationID string) ([]*SliceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, migration_id, low, high, status, attempts, started_at, finished_at, error
FROM slices WHERE migration_id = ? ORDER BY low ASC`, migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SliceRecord
	for rows.Next() {
		sr := new(SliceRecord)
		var finished sql.NullTime
		if err := rows.Scan(&sr.ID, &sr.MigrationID, &sr.Low, &sr.High, &sr.Status,
			&sr.Attempts, &sr.StartedAt, &finished, &sr.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			sr.FinishedAt = &t
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries a write when SQLite reports lock contention,
// backing off exponentially with jitter.
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 25 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isBusyError(err) {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Intn(20)) * time.Millisecond
		time.Sleep(delay + jitter)
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
