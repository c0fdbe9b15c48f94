package migration

// Status represents the lifecycle state of a migration.
type Status string

const (
	StatusPending    Status = "pending"
	StatusEnqueued   Status = "enqueued"
	StatusRunning    Status = "running"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusErrored    Status = "errored"
	StatusFailed     Status = "failed"
	StatusSucceeded  Status = "succeeded"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusDelayed    Status = "delayed"
)

// transitions is the complete set of legal status moves. Every status
// write goes through ValidateTransition; anything not listed here is a
// programming error or a lost race, never silently applied.
var transitions = map[Status][]Status{
	StatusPending:    {StatusEnqueued, StatusPaused, StatusCancelled},
	StatusEnqueued:   {StatusRunning, StatusPaused, StatusCancelled, StatusFailed},
	StatusRunning:    {StatusEnqueued, StatusSucceeded, StatusPausing, StatusCancelling, StatusErrored, StatusFailed},
	StatusPausing:    {StatusPaused, StatusCancelling, StatusSucceeded, StatusErrored, StatusFailed},
	StatusPaused:     {StatusPending, StatusCancelled},
	StatusErrored:    {StatusRunning, StatusFailed, StatusCancelled, StatusPaused},
	StatusFailed:     {StatusPending},
	StatusCancelling: {StatusCancelled, StatusSucceeded, StatusErrored, StatusFailed},
	StatusCancelled:  {},
	StatusSucceeded:  {},
	StatusDelayed:    {StatusPending, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a final state that the scheduler will
// never pick up again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Intent reports whether s is a cooperative stop request that the
// runner resolves at the next slice boundary.
func (s Status) Intent() bool {
	return s == StatusPausing || s == StatusCancelling
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *StateTransitionError if from -> to is
// not in the transition table.
func ValidateTransition(id string, from, to Status) error {
	if !CanTransition(from, to) {
		return &StateTransitionError{ID: id, From: from, To: to}
	}
	return nil
}

// Path returns the shortest sequence of legal statuses leading from
// `from` to `to`, excluding `from` itself. It returns nil if no legal
// sequence exists. Used when a derived status (composite aggregation)
// has to be applied through the validator rather than around it.
func Path(from, to Status) []Status {
	if from == to {
		return []Status{}
	}
	type node struct {
		status Status
		path   []Status
	}
	seen := map[Status]bool{from: true}
	queue := []node{{status: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur.status] {
			if seen[next] {
				continue
			}
			path := append(append([]Status{}, cur.path...), next)
			if next == to {
				return path
			}
			seen[next] = true
			queue = append(queue, node{status: next, path: path})
		}
	}
	return nil
}
