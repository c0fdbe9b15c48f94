package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gradual/internal/migration"
)

// ErrNotFound indicates that no migration exists with the given id.
var ErrNotFound = errors.New("migration not found")

// EnqueueParams carries the fields for a new migration record.
type EnqueueParams struct {
	Name        string
	Args        json.RawMessage
	Shard       string
	Resource    string
	ParentID    string
	Composite   bool
	MaxAttempts int
	Pace        time.Duration
}

// ListFilter narrows a List query. Zero values match everything.
type ListFilter struct {
	Shard    string
	Statuses []migration.Status
}

// SliceRecord is the durable audit row written for every bounded-range
// runner invocation.
type SliceRecord struct {
	ID          int64
	MigrationID string
	Low         int64
	High        int64
	Status      migration.Status
	Attempts    int
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       string
}

// Store defines the persistence layer for migrations and slices.
// Every status write is validated against the transition table and
// applied as a compare-and-set on the previous status; a miss returns
// a *migration.StateTransitionError and leaves the row unchanged.
type Store interface {
	// Enqueue inserts a new pending migration. It is idempotent on
	// (name, args, shard): re-enqueueing identical work returns the
	// existing record with created=false.
	Enqueue(ctx context.Context, p EnqueueParams) (m *migration.Migration, created bool, err error)

	Get(ctx context.Context, id string) (*migration.Migration, error)

	// List returns migrations in creation (FIFO) order.
	List(ctx context.Context, f ListFilter) ([]*migration.Migration, error)

	// Children returns the fan-out children of a composite parent, in
	// creation order.
	Children(ctx context.Context, parentID string) ([]*migration.Migration, error)

	// UpdateStatus applies a validated from -> to transition. It also
	// stamps started_at on the first move to running and finished_at
	// on any terminal move.
	UpdateStatus(ctx context.Context, id string, from, to migration.Status) error

	// SaveProgress durably advances the cursor, adds delta to the
	// processed count and refreshes the heartbeat.
	SaveProgress(ctx context.Context, id string, cursor string, delta int64) error

	// SetTotal records the estimated item count.
	SetTotal(ctx context.Context, id string, total int64) error

	// Heartbeat refreshes heartbeat_at to now.
	Heartbeat(ctx context.Context, id string) error

	// RecordError applies from -> to together with the new attempt
	// count and the failure fields, as one write.
	RecordError(ctx context.Context, id string, from, to migration.Status, attempts int, kind migration.ErrorKind, message, trace string) error

	// ResetForRetry moves a failed migration back to pending, clearing
	// attempts and error fields. The cursor is preserved.
	ResetForRetry(ctx context.Context, id string) error

	// BeginSlice records the start of one bounded-range invocation,
	// incrementing attempts if the same bounds were tried before.
	BeginSlice(ctx context.Context, migrationID string, low, high int64) (int64, error)

	// FinishSlice records the outcome of a slice invocation.
	FinishSlice(ctx context.Context, sliceID int64, status migration.Status, errMsg string) error

	Slices(ctx context.Context, migrationID string) ([]*SliceRecord, error)

	// DB exposes the underlying handle so collaborators (the advisory
	// lock) can share the same database file.
	DB() *sql.DB

	Close() error
}
