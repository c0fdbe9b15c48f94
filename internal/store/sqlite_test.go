package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradual/internal/migration"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gradual.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *SQLiteStore, name string) *migration.Migration {
	t.Helper()
	m, created, err := s.Enqueue(context.Background(), EnqueueParams{
		Name:        name,
		Args:        json.RawMessage(`{}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.Enqueue(ctx, EnqueueParams{
		Name:        "copy-rows",
		Args:        json.RawMessage(`{"table":"users"}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, migration.StatusPending, first.Status)
	assert.NotEmpty(t, first.ID)

	second, created, err := s.Enqueue(ctx, EnqueueParams{
		Name:        "copy-rows",
		Args:        json.RawMessage(`{"table":"users"}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Different args are a different identity.
	third, created, err := s.Enqueue(ctx, EnqueueParams{
		Name:        "copy-rows",
		Args:        json.RawMessage(`{"table":"orders"}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var verr *migration.ValidationError
	_, _, err := s.Enqueue(ctx, EnqueueParams{Name: "", MaxAttempts: 3})
	require.True(t, errors.As(err, &verr))

	_, _, err = s.Enqueue(ctx, EnqueueParams{Name: "copy-rows", MaxAttempts: 0})
	require.True(t, errors.As(err, &verr))
}

func TestGetUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusPending, migration.StatusEnqueued))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusEnqueued, migration.StatusRunning))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt, "first move to running stamps started_at")
	assert.Nil(t, got.FinishedAt)

	// Stale expected status loses the race and reports the live one.
	err = s.UpdateStatus(ctx, m.ID, migration.StatusEnqueued, migration.StatusRunning)
	var ste *migration.StateTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, migration.StatusRunning, ste.From)

	// Row stays untouched after the miss.
	got, err = s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusRunning, got.Status)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	err := s.UpdateStatus(ctx, m.ID, migration.StatusPending, migration.StatusRunning)
	var ste *migration.StateTransitionError
	require.True(t, errors.As(err, &ste))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPending, got.Status)
}

func TestUpdateStatusStampsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusPending, migration.StatusEnqueued))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusEnqueued, migration.StatusRunning))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusRunning, migration.StatusSucceeded))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(*got.StartedAt))
}

func TestListFIFOAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, "first")
	b := enqueue(t, s, "second")
	c := enqueue(t, s, "third")
	require.NoError(t, s.UpdateStatus(ctx, b.ID, migration.StatusPending, migration.StatusEnqueued))

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending, err := s.List(ctx, ListFilter{Statuses: []migration.Status{migration.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, c.ID, pending[1].ID)

	none, err := s.List(ctx, ListFilter{Shard: "shard-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveProgressAdvancesCursorAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	before, err := s.Get(ctx, m.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveProgress(ctx, m.ID, "100", 100))
	require.NoError(t, s.SaveProgress(ctx, m.ID, "180", 80))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "180", got.Cursor)
	assert.Equal(t, int64(180), got.Processed)
	assert.True(t, got.HeartbeatAt.After(before.HeartbeatAt))

	assert.ErrorIs(t, s.SaveProgress(ctx, "missing", "1", 1), ErrNotFound)
}

func TestSetTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	require.NoError(t, s.SetTotal(ctx, m.ID, 5000))
	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Total)
	assert.Equal(t, int64(5000), *got.Total)
}

func TestRecordErrorAndResetForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusPending, migration.StatusEnqueued))
	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusEnqueued, migration.StatusRunning))
	require.NoError(t, s.RecordError(ctx, m.ID, migration.StatusRunning, migration.StatusErrored,
		1, migration.KindTransient, "connection reset", "stack"))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusErrored, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, migration.KindTransient, got.ErrorKind)
	assert.Equal(t, "connection reset", got.ErrorMessage)
	assert.Equal(t, "stack", got.ErrorTrace)
	assert.True(t, got.Retriable())

	require.NoError(t, s.UpdateStatus(ctx, m.ID, migration.StatusErrored, migration.StatusFailed))
	require.NoError(t, s.SaveProgress(ctx, m.ID, "42", 42))

	require.NoError(t, s.ResetForRetry(ctx, m.ID))
	got, err = s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, "42", got.Cursor, "retry preserves the cursor")

	// ResetForRetry only applies to failed migrations.
	var ste *migration.StateTransitionError
	err = s.ResetForRetry(ctx, m.ID)
	assert.True(t, errors.As(err, &ste))
}

func TestSliceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := enqueue(t, s, "copy-rows")

	id1, err := s.BeginSlice(ctx, m.ID, 1, 100)
	require.NoError(t, err)
	require.NoError(t, s.FinishSlice(ctx, id1, migration.StatusSucceeded, ""))

	id2, err := s.BeginSlice(ctx, m.ID, 101, 200)
	require.NoError(t, err)
	require.NoError(t, s.FinishSlice(ctx, id2, migration.StatusErrored, "timeout"))

	// Re-running the same bounds reuses the row and bumps attempts.
	id3, err := s.BeginSlice(ctx, m.ID, 101, 200)
	require.NoError(t, err)
	assert.Equal(t, id2, id3)

	slices, err := s.Slices(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, slices, 2)

	assert.Equal(t, int64(1), slices[0].Low)
	assert.Equal(t, int64(100), slices[0].High)
	assert.Equal(t, migration.StatusSucceeded, slices[0].Status)
	assert.Equal(t, 1, slices[0].Attempts)
	require.NotNil(t, slices[0].FinishedAt)

	assert.Equal(t, migration.StatusRunning, slices[1].Status)
	assert.Equal(t, 2, slices[1].Attempts)
	assert.Nil(t, slices[1].FinishedAt)
	assert.Empty(t, slices[1].Error)
}

func TestChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, _, err := s.Enqueue(ctx, EnqueueParams{
		Name: "reindex", Args: json.RawMessage(`{}`), Composite: true, MaxAttempts: 1,
	})
	require.NoError(t, err)

	for _, shard := range []string{"s1", "s2"} {
		_, created, err := s.Enqueue(ctx, EnqueueParams{
			Name: "reindex", Args: json.RawMessage(`{}`), Shard: shard,
			ParentID: parent.ID, MaxAttempts: 3,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	children, err := s.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "s1", children[0].Shard)
	assert.Equal(t, "s2", children[1].Shard)
	for _, c := range children {
		assert.Equal(t, parent.ID, c.ParentID)
		assert.False(t, c.Composite)
	}
}
