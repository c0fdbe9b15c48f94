// Package migration holds the persistent unit-of-work record, its
// status state machine and the error taxonomy shared by the store,
// runner and scheduler.
package migration

import (
	"encoding/json"
	"time"
)

// Migration is one enqueued unit of work. It is persisted by the store
// and mutated only by the runner, the scheduler and operator actions.
type Migration struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Shard    string          `json:"shard,omitempty"`
	Resource string          `json:"resource,omitempty"`
	ParentID string          `json:"parent_id,omitempty"`

	// Composite marks a fan-out parent whose status is derived from
	// its children; the scheduler never dispatches it directly.
	Composite bool `json:"composite,omitempty"`

	// Cursor is an opaque position meaningful only to the descriptor.
	// It is flushed to storage before it is ever trusted across a
	// restart, and only advances.
	Cursor    string `json:"cursor,omitempty"`
	Processed int64  `json:"processed"`
	// Total is the estimated item count; nil means unknown.
	Total       *int64 `json:"total,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`

	Status Status `json:"status"`

	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
	Pace        time.Duration `json:"pace,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorTrace   string    `json:"error_trace,omitempty"`
}

// ExecutionContext identifies where a migration's work runs. It is
// threaded explicitly through scheduler and runner calls instead of
// living on the entity.
type ExecutionContext struct {
	Shard      string
	Connection string
}

// Retriable reports whether the migration is errored with attempts
// remaining, making it eligible for automatic re-dispatch.
func (m *Migration) Retriable() bool {
	return m.Status == StatusErrored && m.Attempts < m.MaxAttempts
}

// ProgressPercent reports completion as 0-100. With no estimate the
// value is 0 until the migration succeeds; an overshot estimate is
// clamped to 100.
func (m *Migration) ProgressPercent() int {
	if m.Total == nil || *m.Total <= 0 {
		if m.Status == StatusSucceeded {
			return 100
		}
		return 0
	}
	pct := int(m.Processed * 100 / *m.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
