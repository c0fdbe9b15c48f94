package migration

// Aggregate derives a composite parent's status from its children.
// This is the single authoritative rule; callers apply the result
// through the transition validator (see Path) rather than writing the
// status directly.
//
// Rules, in priority order:
//   - any child failed            -> failed
//   - any child cancelled/ing     -> cancelled
//   - all children succeeded      -> succeeded
//   - any child running or erroring -> running
//   - otherwise                   -> pending
func Aggregate(children []Status) Status {
	if len(children) == 0 {
		return StatusPending
	}
	var failed, cancelled, active bool
	succeeded := 0
	for _, s := range children {
		switch s {
		case StatusFailed:
			failed = true
		case StatusCancelled, StatusCancelling:
			cancelled = true
		case StatusSucceeded:
			succeeded++
		case StatusRunning, StatusEnqueued, StatusErrored, StatusPausing:
			active = true
		}
	}
	switch {
	case failed:
		return StatusFailed
	case cancelled:
		return StatusCancelled
	case succeeded == len(children):
		return StatusSucceeded
	case active:
		return StatusRunning
	}
	return StatusPending
}
