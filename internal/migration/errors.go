package migration

import "fmt"

// ErrorKind classifies a recorded execution failure.
type ErrorKind string

const (
	// KindTransient marks a failure with attempts remaining; the
	// scheduler will re-dispatch the migration automatically.
	KindTransient ErrorKind = "transient"
	// KindTerminal marks an exhausted or explicitly non-retriable
	// failure; only an operator retry re-enters the runnable pool.
	KindTerminal ErrorKind = "terminal"
)

// ValidationError reports bad arguments or configuration at enqueue
// time. It is returned synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateTransitionError reports an attempt to write a status outside
// the transition table, or a compare-and-set miss caused by a
// concurrent writer. The stored status is left unchanged.
type StateTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("migration %s: illegal status transition %s -> %s", e.ID, e.From, e.To)
}
