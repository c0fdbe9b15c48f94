// Package work defines the contract between the engine and
// user-supplied work definitions, and the typed registry that maps
// migration names to descriptor factories.
package work

import (
	"context"
	"errors"

	"gradual/internal/migration"
)

// Item is one addressable unit of work together with the cursor value
// that resumes the sequence immediately after it.
type Item struct {
	Key    string
	Cursor string
}

// Sequence is a lazy, resumable stream of items. Next returns false
// once the sequence is exhausted.
type Sequence interface {
	Next(ctx context.Context) (Item, bool, error)
}

// Descriptor is the user-supplied definition of what a migration
// does. Every descriptor additionally implements Itemizer or Ranger;
// when both are present the engine prefers Ranger.
//
// The engine delivers each item or slice at least once: after a crash
// between a successful process step and the cursor flush, the same
// input is processed again on resume. Implementations must therefore
// be safe to re-run; prefer set-based writes over increments.
type Descriptor interface {
	// EstimateCount reports the expected total number of items; known
	// is false when no estimate is available.
	EstimateCount(ctx context.Context) (n int64, known bool, err error)
}

// Itemizer is a descriptor that manages its own enumeration through an
// opaque cursor.
type Itemizer interface {
	Descriptor

	// Produce returns a sequence resumable from any cursor value it
	// previously emitted. An empty cursor starts from the beginning.
	Produce(ctx context.Context, cursor string) (Sequence, error)

	// Process performs the work for one item.
	Process(ctx context.Context, item Item) error
}

// Ranger is a descriptor whose domain is a closed integer range
// (typically a primary-key span). The engine manages the cursor itself
// and records a durable slice row for every invocation.
type Ranger interface {
	Descriptor

	// Bounds returns the closed domain [low, high] to cover.
	Bounds(ctx context.Context) (low, high int64, err error)

	// ProcessRange performs the work for one [low, high] sub-range.
	ProcessRange(ctx context.Context, low, high int64) error
}

// Resourcer is implemented by schema-change descriptors that must
// never run concurrently against the same resource. The key is
// persisted at enqueue time and consulted by the scheduler.
type Resourcer interface {
	ResourceKey() string
}

// StopHandler is notified when a cooperative pause or cancel lands at
// a slice boundary. Errors are logged and otherwise ignored.
type StopHandler interface {
	OnStop(ctx context.Context, status migration.Status) error
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the runner fails the migration immediately,
// without consuming the remaining attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
