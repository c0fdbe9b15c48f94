// Package scheduler periodically selects eligible migrations under
// concurrency and exclusivity limits and hands them to the runner. It
// assumes the external trigger may fire concurrently on several hosts;
// correctness rests on validated CAS status writes plus a best-effort
// advisory lock, not on any single-invocation guarantee.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gradual/internal/lock"
	"gradual/internal/metrics"
	"gradual/internal/migration"
	"gradual/internal/runner"
	"gradual/internal/store"
)

// Options bounds one tick.
type Options struct {
	MaxConcurrency int
	Shard          string
}

// Config holds scheduler identity and timing knobs.
type Config struct {
	// Name scopes the advisory lock; schedulers sharing a name never
	// dispatch concurrently (best effort).
	Name string
	// Holder identifies this process to the lock table.
	Holder string
	// Connection identifies the engine database this scheduler runs
	// against; it is threaded into every runner invocation.
	Connection string
	// MaxSliceDuration is the configured worst-case slice time; a
	// running migration whose heartbeat is older than this plus
	// StuckMargin is treated as abandoned.
	MaxSliceDuration time.Duration
	StuckMargin      time.Duration
	LockTTL          time.Duration
}

// Scheduler drives migrations forward one tick at a time.
type Scheduler struct {
	store     store.Store
	runner    *runner.Runner
	locks     *lock.Advisory
	collector *metrics.Collector
	cfg       Config
	logger    *zap.Logger
}

// New creates a scheduler. collector may be nil.
func New(st store.Store, r *runner.Runner, locks *lock.Advisory, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxSliceDuration <= 0 {
		cfg.MaxSliceDuration = 5 * time.Minute
	}
	if cfg.StuckMargin <= 0 {
		cfg.StuckMargin = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Scheduler{
		store:     st,
		runner:    r,
		locks:     locks,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
	}
}

// Tick runs a single scheduling iteration: classify, select, dispatch.
// Execution failures stay inside the runner; only infrastructure
// errors (store access) are returned.
func (s *Scheduler) Tick(ctx context.Context, opts Options) error {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	ms, err := s.store.List(ctx, store.ListFilter{Shard: opts.Shard})
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}

	cutoff := time.Now().UTC().Add(-(s.cfg.MaxSliceDuration + s.cfg.StuckMargin))
	var pool []*migration.Migration
	activeResources := make(map[string]bool)
	active := 0
	parents := make(map[string]bool)

	for _, m := range ms {
		if m.ParentID != "" {
			parents[m.ParentID] = true
		}
		if m.Composite {
			// Fan-out parents never run themselves; their status is
			// derived from children at the end of the tick.
			continue
		}
		switch m.Status {
		case migration.StatusRunning:
			if m.HeartbeatAt.Before(cutoff) {
				// Abandoned executor. Fold the migration back into
				// the pool; nobody kills the original process, the
				// descriptor's idempotence covers a straggler.
				if err := s.store.UpdateStatus(ctx, m.ID, migration.StatusRunning, migration.StatusEnqueued); err != nil {
					s.logTransitionRace("requeueing stuck migration", m, err)
					continue
				}
				s.logger.Warn("Requeued stuck migration",
					zap.String("id", m.ID),
					zap.String("name", m.Name),
					zap.Time("heartbeat_at", m.HeartbeatAt),
				)
				m.Status = migration.StatusEnqueued
				pool = append(pool, m)
			} else {
				active++
				if m.Resource != "" {
					activeResources[m.Resource] = true
				}
			}
		case migration.StatusPausing, migration.StatusCancelling:
			// A live executor resolves the intent itself at its next
			// slice boundary; only a lapsed one needs our help.
			if m.HeartbeatAt.Before(cutoff) {
				pool = append(pool, m)
			} else {
				active++
				if m.Resource != "" {
					activeResources[m.Resource] = true
				}
			}
		case migration.StatusPending, migration.StatusEnqueued:
			pool = append(pool, m)
		case migration.StatusErrored:
			if m.Retriable() {
				pool = append(pool, m)
			}
		}
	}

	if s.collector != nil {
		s.collector.SetRunning(active)
	}

	remaining := opts.MaxConcurrency - active
	if remaining > 0 {
		// The pool inherits FIFO creation order from List.
		var candidates []*migration.Migration
		for _, m := range pool {
			if m.Resource != "" {
				if activeResources[m.Resource] {
					continue
				}
				activeResources[m.Resource] = true
			}
			candidates = append(candidates, m)
			if len(candidates) == remaining {
				break
			}
		}
		if len(candidates) > 0 {
			if err := s.dispatch(ctx, candidates); err != nil {
				return err
			}
		}
	}

	s.refreshParents(ctx, parents)
	return nil
}

// dispatch claims the candidates under the advisory lock, then runs
// them after releasing it. The lock only guards two overlapping
// scheduler invocations against double-dispatch of the same candidate;
// it is never held across a slice's execution and never protects
// business writes.
func (s *Scheduler) dispatch(ctx context.Context, candidates []*migration.Migration) error {
	lockName := "scheduler/" + s.cfg.Name
	ok, err := s.locks.TryAcquire(ctx, lockName, s.cfg.Holder, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	if !ok {
		s.logger.Debug("Scheduler lock held elsewhere, skipping dispatch")
		return nil
	}

	var claimed []*migration.Migration
	for _, m := range candidates {
		if s.claim(ctx, m) {
			claimed = append(claimed, m)
		}
	}
	if err := s.locks.Release(ctx, lockName, s.cfg.Holder); err != nil {
		s.logger.Warn("Failed to release scheduler lock", zap.Error(err))
	}

	var wg sync.WaitGroup
	for _, m := range claimed {
		wg.Add(1)
		go func(m *migration.Migration) {
			defer wg.Done()
			ec := migration.ExecutionContext{Shard: m.Shard, Connection: s.cfg.Connection}
			out := s.runner.Run(ctx, ec, m)
			switch out.Kind {
			case runner.OutcomeCompleted:
				if !out.Done {
					s.release(ctx, m)
				}
			case runner.OutcomeThrottled:
				s.logger.Debug("Slice throttled", zap.String("id", m.ID))
				s.release(ctx, m)
			case runner.OutcomeFailed:
				s.logger.Debug("Slice failed",
					zap.String("id", m.ID), zap.Error(out.Err))
			}
		}(m)
	}
	wg.Wait()
	return nil
}

// release hands a claimed migration back to the pool at a slice
// boundary, so the next tick reconsiders it alongside everything else.
// A CAS miss means an operator request landed mid-slice; the intent is
// left for its own resolution path.
func (s *Scheduler) release(ctx context.Context, m *migration.Migration) {
	if m.Status != migration.StatusRunning {
		return
	}
	if err := s.store.UpdateStatus(ctx, m.ID, migration.StatusRunning, migration.StatusEnqueued); err != nil {
		s.logTransitionRace("releasing migration", m, err)
		return
	}
	m.Status = migration.StatusEnqueued
}

// claim walks the candidate to running through the transition table.
// Intent states are dispatched as-is so the runner can finalize them.
func (s *Scheduler) claim(ctx context.Context, m *migration.Migration) bool {
	if m.Status.Intent() {
		return true
	}
	for _, next := range migration.Path(m.Status, migration.StatusRunning) {
		if err := s.store.UpdateStatus(ctx, m.ID, m.Status, next); err != nil {
			s.logTransitionRace("claiming migration", m, err)
			return false
		}
		m.Status = next
	}
	return true
}

// refreshParents applies the composite aggregation rule to every
// parent whose children appeared in this tick, stepping the status
// through legal transitions only.
func (s *Scheduler) refreshParents(ctx context.Context, parents map[string]bool) {
	for parentID := range parents {
		parent, err := s.store.Get(ctx, parentID)
		if err != nil {
			s.logger.Warn("Failed to load composite parent",
				zap.String("id", parentID), zap.Error(err))
			continue
		}
		if parent.Status.Terminal() {
			continue
		}
		children, err := s.store.Children(ctx, parentID)
		if err != nil {
			s.logger.Warn("Failed to load children",
				zap.String("id", parentID), zap.Error(err))
			continue
		}
		statuses := make([]migration.Status, len(children))
		for i, c := range children {
			statuses[i] = c.Status
		}
		target := migration.Aggregate(statuses)
		for _, next := range migration.Path(parent.Status, target) {
			if err := s.store.UpdateStatus(ctx, parentID, parent.Status, next); err != nil {
				s.logTransitionRace("updating composite parent", parent, err)
				break
			}
			parent.Status = next
		}
	}
}

func (s *Scheduler) logTransitionRace(action string, m *migration.Migration, err error) {
	var ste *migration.StateTransitionError
	if errors.As(err, &ste) {
		// Another scheduler invocation got there first.
		s.logger.Debug("Lost status race",
			zap.String("action", action),
			zap.String("id", m.ID),
			zap.String("status", string(ste.From)),
		)
		return
	}
	s.logger.Warn("Status write failed",
		zap.String("action", action),
		zap.String("id", m.ID),
		zap.Error(err),
	)
}
