// Package builtin registers the work descriptors that ship with the
// binary. RowRange covers the common maintenance shapes — backfill,
// orphan deletion, constraint validation — as one parameterized SQL
// statement applied per primary-key range.
package builtin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gradual/internal/migration"
	"gradual/internal/work"

	_ "modernc.org/sqlite"
)

// Register adds the built-in descriptors to reg.
func Register(reg *work.Registry) error {
	return reg.Register("row-range", NewRowRange)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type rowRangeArgs struct {
	// Database is the SQLite file holding the rows to transform.
	Database string `json:"database"`
	// Table and Column name the integer key domain to iterate.
	Table  string `json:"table"`
	Column string `json:"column"`
	// Statement is executed once per slice with two placeholders
	// bound to the slice's low and high key. It must be idempotent:
	// slices can re-run after a crash.
	Statement string `json:"statement"`
}

// RowRange applies a set-based SQL statement to contiguous key ranges
// of one table. The engine owns the cursor; each invocation covers
// exactly one [low, high] span.
type RowRange struct {
	db   *sql.DB
	args rowRangeArgs
}

// NewRowRange is the registry factory for "row-range" migrations.
func NewRowRange(raw json.RawMessage) (work.Descriptor, error) {
	var args rowRangeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &migration.ValidationError{Field: "args", Reason: err.Error()}
	}
	if args.Database == "" {
		return nil, &migration.ValidationError{Field: "database", Reason: "must not be empty"}
	}
	if !identPattern.MatchString(args.Table) {
		return nil, &migration.ValidationError{Field: "table", Reason: "not a valid identifier"}
	}
	if !identPattern.MatchString(args.Column) {
		return nil, &migration.ValidationError{Field: "column", Reason: "not a valid identifier"}
	}
	if strings.Count(args.Statement, "?") != 2 {
		return nil, &migration.ValidationError{Field: "statement", Reason: "must contain exactly two placeholders for the range bounds"}
	}

	db, err := sql.Open("sqlite", args.Database)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", args.Database, err)
	}
	return &RowRange{db: db, args: args}, nil
}

// Bounds returns the closed [min, max] key span; an empty table yields
// an empty domain.
func (r *RowRange) Bounds(ctx context.Context) (int64, int64, error) {
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", r.args.Column, r.args.Column, r.args.Table)
	var lo, hi sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("resolving key bounds of %s: %w", r.args.Table, err)
	}
	if !lo.Valid {
		return 0, -1, nil
	}
	return lo.Int64, hi.Int64, nil
}

// ProcessRange executes the statement against one key span.
func (r *RowRange) ProcessRange(ctx context.Context, low, high int64) error {
	if _, err := r.db.ExecContext(ctx, r.args.Statement, low, high); err != nil {
		return fmt.Errorf("applying statement to [%d, %d]: %w", low, high, err)
	}
	return nil
}

// EstimateCount reports the current row count of the table.
func (r *RowRange) EstimateCount(ctx context.Context) (int64, bool, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.args.Table)
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// ResourceKey marks two row-range migrations against the same table of
// the same database as mutually exclusive.
func (r *RowRange) ResourceKey() string {
	return r.args.Database + "|" + r.args.Table
}

// Close releases the data-plane connection.
func (r *RowRange) Close() error {
	return r.db.Close()
}
