package builtin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradual/internal/migration"
	"gradual/internal/work"
)

func newDataDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, plan TEXT)`)
	require.NoError(t, err)
	return path, db
}

func rowRangeFor(t *testing.T, args rowRangeArgs) *RowRange {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	desc, err := NewRowRange(raw)
	require.NoError(t, err)
	t.Cleanup(func() { desc.(*RowRange).Close() })
	return desc.(*RowRange)
}

func TestNewRowRangeValidation(t *testing.T) {
	path, _ := newDataDB(t)
	valid := rowRangeArgs{
		Database:  path,
		Table:     "accounts",
		Column:    "id",
		Statement: "UPDATE accounts SET plan = 'free' WHERE id BETWEEN ? AND ?",
	}

	tests := []struct {
		name   string
		mutate func(*rowRangeArgs)
	}{
		{"missing database", func(a *rowRangeArgs) { a.Database = "" }},
		{"bad table identifier", func(a *rowRangeArgs) { a.Table = "accounts; DROP TABLE x" }},
		{"bad column identifier", func(a *rowRangeArgs) { a.Column = "id--" }},
		{"no placeholders", func(a *rowRangeArgs) { a.Statement = "UPDATE accounts SET plan = 'free'" }},
		{"too many placeholders", func(a *rowRangeArgs) { a.Statement = "UPDATE accounts SET plan = ? WHERE id BETWEEN ? AND ?" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := valid
			tt.mutate(&args)
			raw, err := json.Marshal(args)
			require.NoError(t, err)

			_, err = NewRowRange(raw)
			var verr *migration.ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}

	raw, err := json.Marshal(valid)
	require.NoError(t, err)
	desc, err := NewRowRange(raw)
	require.NoError(t, err)
	require.NoError(t, desc.(*RowRange).Close())
}

func TestRowRangeBoundsAndEstimate(t *testing.T) {
	path, db := newDataDB(t)
	for i := 10; i <= 50; i += 10 {
		_, err := db.Exec(`INSERT INTO accounts (id, plan) VALUES (?, 'legacy')`, i)
		require.NoError(t, err)
	}

	r := rowRangeFor(t, rowRangeArgs{
		Database:  path,
		Table:     "accounts",
		Column:    "id",
		Statement: "UPDATE accounts SET plan = 'free' WHERE id BETWEEN ? AND ?",
	})
	ctx := context.Background()

	low, high, err := r.Bounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), low)
	assert.Equal(t, int64(50), high)

	n, known, err := r.EstimateCount(ctx)
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, int64(5), n)

	assert.Equal(t, path+"|accounts", r.ResourceKey())
}

func TestRowRangeEmptyTable(t *testing.T) {
	path, _ := newDataDB(t)
	r := rowRangeFor(t, rowRangeArgs{
		Database:  path,
		Table:     "accounts",
		Column:    "id",
		Statement: "DELETE FROM accounts WHERE id BETWEEN ? AND ?",
	})

	low, high, err := r.Bounds(context.Background())
	require.NoError(t, err)
	assert.Greater(t, low, high, "empty table yields an empty domain")
}

func TestRowRangeProcessesOnlyTheSlice(t *testing.T) {
	path, db := newDataDB(t)
	for i := 1; i <= 10; i++ {
		_, err := db.Exec(`INSERT INTO accounts (id, plan) VALUES (?, 'legacy')`, i)
		require.NoError(t, err)
	}

	r := rowRangeFor(t, rowRangeArgs{
		Database:  path,
		Table:     "accounts",
		Column:    "id",
		Statement: "UPDATE accounts SET plan = 'free' WHERE id BETWEEN ? AND ?",
	})
	require.NoError(t, r.ProcessRange(context.Background(), 1, 4))

	var migrated, legacy int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE plan = 'free'`).Scan(&migrated))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE plan = 'legacy'`).Scan(&legacy))
	assert.Equal(t, 4, migrated)
	assert.Equal(t, 6, legacy)

	// Re-running the same slice is a no-op thanks to set-based writes.
	require.NoError(t, r.ProcessRange(context.Background(), 1, 4))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE plan = 'free'`).Scan(&migrated))
	assert.Equal(t, 4, migrated)
}

var _ work.Ranger = (*RowRange)(nil)
var _ work.Resourcer = (*RowRange)(nil)
