// Package runner executes exactly one slice for one migration per
// invocation: it resolves stop intents, consults the throttle,
// advances the cursor, invokes the work descriptor and persists
// progress, classifying any failure into retriable or terminal.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"gradual/internal/cursor"
	"gradual/internal/metrics"
	"gradual/internal/migration"
	"gradual/internal/notify"
	"gradual/internal/store"
	"gradual/internal/work"
)

// OutcomeKind discriminates the result of one slice execution.
type OutcomeKind int

const (
	// OutcomeCompleted means the slice ran successfully; Done marks
	// domain exhaustion.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeStopped means a pause/cancel intent was finalized.
	OutcomeStopped
	// OutcomeThrottled means the health predicate held; nothing ran
	// and no attempt was consumed.
	OutcomeThrottled
	// OutcomeFailed means the slice failed; the error was persisted.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one Run call. The scheduler switches on it;
// execution failures never propagate as errors.
type Outcome struct {
	Kind OutcomeKind
	Done bool
	Err  error
}

// Hook is the external error handler, invoked once per retriable or
// terminal failure. Panics from the hook are contained.
type Hook func(err error, m *migration.Migration)

// Config holds runner tuning knobs.
type Config struct {
	// BatchSize is the slice width: range span for Ranger descriptors,
	// item count per run otherwise.
	BatchSize int64
	// TraceLimit caps the persisted stack trace, in bytes.
	TraceLimit int
}

// Runner executes one slice at a time for migrations handed to it by
// the scheduler.
type Runner struct {
	store    store.Store
	registry *work.Registry
	throttle *Throttle
	notifier *notify.Notifier
	metrics  *metrics.Collector
	hook     Hook
	cfg      Config
	logger   *zap.Logger
}

// New creates a runner. metrics and hook may be nil.
func New(st store.Store, reg *work.Registry, throttle *Throttle, notifier *notify.Notifier, collector *metrics.Collector, hook Hook, cfg Config, logger *zap.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.TraceLimit <= 0 {
		cfg.TraceLimit = 4096
	}
	return &Runner{
		store:    st,
		registry: reg,
		throttle: throttle,
		notifier: notifier,
		metrics:  collector,
		hook:     hook,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one slice for m within ec. m must be in running,
// pausing or cancelling state; the caller owns the running transition.
func (r *Runner) Run(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration) Outcome {
	switch m.Status {
	case migration.StatusPausing:
		return r.stop(ctx, ec, m, migration.StatusPaused)
	case migration.StatusCancelling:
		return r.stop(ctx, ec, m, migration.StatusCancelled)
	}

	if r.throttle.Throttled() {
		r.notifier.Emit(notify.EventThrottled, m)
		return Outcome{Kind: OutcomeThrottled}
	}

	desc, err := r.registry.New(m.Name, m.Args)
	if err != nil {
		// A migration whose descriptor cannot be built will never
		// succeed, so the remaining attempts are not worth spending.
		return r.fail(ctx, ec, m, work.Terminal(err))
	}
	defer closeDescriptor(desc)

	// Refreshing the heartbeat up front keeps a slow slice from
	// crossing the stuck cutoff before its first progress write.
	if err := r.store.Heartbeat(ctx, m.ID); err != nil {
		r.logger.Warn("Failed to refresh heartbeat",
			zap.String("id", m.ID), zap.Error(err))
	}

	if m.Cursor == "" && m.Processed == 0 {
		r.notifier.Emit(notify.EventStarted, m)
		if m.Total == nil {
			if n, known, err := desc.EstimateCount(ctx); err == nil && known {
				if err := r.store.SetTotal(ctx, m.ID, n); err == nil {
					m.Total = &n
				}
			}
		}
	}

	start := time.Now()
	var out Outcome
	switch d := desc.(type) {
	case work.Ranger:
		out = r.runRange(ctx, ec, m, d)
	case work.Itemizer:
		out = r.runItems(ctx, ec, m, d)
	default:
		out = r.fail(ctx, ec, m, work.Terminal(fmt.Errorf("descriptor %q implements neither Ranger nor Itemizer", m.Name)))
	}
	if r.metrics != nil {
		r.metrics.ObserveSliceDuration(time.Since(start))
		r.metrics.IncSlice(out.Kind.String())
	}

	if out.Kind == OutcomeCompleted && !out.Done && m.Pace > 0 {
		select {
		case <-time.After(m.Pace):
		case <-ctx.Done():
		}
	}
	return out
}

// runRange drives a Ranger descriptor: the engine owns cursor math and
// writes a durable slice row for each invocation.
func (r *Runner) runRange(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration, rg work.Ranger) Outcome {
	low, high, err := rg.Bounds(ctx)
	if err != nil {
		return r.fail(ctx, ec, m, fmt.Errorf("resolving bounds: %w", err))
	}
	domain := cursor.Range{Start: low, End: high}

	var resume *int64
	if m.Cursor != "" {
		pos, err := cursor.Decode(m.Cursor)
		if err != nil {
			return r.fail(ctx, ec, m, work.Terminal(fmt.Errorf("corrupt cursor %q: %w", m.Cursor, err)))
		}
		resume = &pos
	}

	sl, ok := cursor.Next(domain, r.cfg.BatchSize, resume)
	if !ok {
		// Exhausted, or an empty domain completing with zero items.
		return r.finish(ctx, ec, m)
	}

	sliceID, err := r.store.BeginSlice(ctx, m.ID, sl.Low, sl.High)
	if err != nil {
		return r.fail(ctx, ec, m, fmt.Errorf("recording slice: %w", err))
	}

	if err := rg.ProcessRange(ctx, sl.Low, sl.High); err != nil {
		if ferr := r.store.FinishSlice(ctx, sliceID, migration.StatusFailed, err.Error()); ferr != nil {
			r.logger.Warn("Failed to record slice failure", zap.String("id", m.ID), zap.Error(ferr))
		}
		return r.fail(ctx, ec, m, err)
	}
	if err := r.store.FinishSlice(ctx, sliceID, migration.StatusSucceeded, ""); err != nil {
		r.logger.Warn("Failed to record slice success", zap.String("id", m.ID), zap.Error(err))
	}

	// The work is done but not yet committed: a crash before this
	// write means the same slice runs again on resume. Descriptors
	// carry the at-least-once burden.
	if err := r.store.SaveProgress(ctx, m.ID, cursor.Encode(sl.High), sl.Count()); err != nil {
		return r.fail(ctx, ec, m, fmt.Errorf("persisting cursor: %w", err))
	}
	m.Cursor = cursor.Encode(sl.High)
	m.Processed += sl.Count()
	if r.metrics != nil {
		r.metrics.AddItems(sl.Count())
	}
	r.notifier.Emit(notify.EventRanSlice, m)

	if sl.High >= domain.End {
		return r.finish(ctx, ec, m)
	}
	return Outcome{Kind: OutcomeCompleted}
}

// runItems drives a descriptor that manages its own enumeration,
// processing up to BatchSize items and committing the cursor once at
// the slice boundary.
func (r *Runner) runItems(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration, desc work.Itemizer) Outcome {
	seq, err := desc.Produce(ctx, m.Cursor)
	if err != nil {
		return r.fail(ctx, ec, m, fmt.Errorf("producing items: %w", err))
	}

	var processed int64
	lastCursor := m.Cursor
	exhausted := false
	for processed < r.cfg.BatchSize {
		item, ok, err := seq.Next(ctx)
		if err != nil {
			return r.fail(ctx, ec, m, fmt.Errorf("advancing sequence: %w", err))
		}
		if !ok {
			exhausted = true
			break
		}
		if err := desc.Process(ctx, item); err != nil {
			return r.fail(ctx, ec, m, err)
		}
		lastCursor = item.Cursor
		processed++
	}

	if processed > 0 {
		if err := r.store.SaveProgress(ctx, m.ID, lastCursor, processed); err != nil {
			return r.fail(ctx, ec, m, fmt.Errorf("persisting cursor: %w", err))
		}
		m.Cursor = lastCursor
		m.Processed += processed
		if r.metrics != nil {
			r.metrics.AddItems(processed)
		}
		r.notifier.Emit(notify.EventRanSlice, m)
	}

	if exhausted {
		return r.finish(ctx, ec, m)
	}
	return Outcome{Kind: OutcomeCompleted}
}

// finish transitions the migration to succeeded.
func (r *Runner) finish(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration) Outcome {
	if err := r.store.UpdateStatus(ctx, m.ID, m.Status, migration.StatusSucceeded); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	m.Status = migration.StatusSucceeded
	r.notifier.Emit(notify.EventCompleted, m)
	r.logger.Info("Migration completed",
		zap.String("id", m.ID),
		zap.String("name", m.Name),
		zap.String("shard", ec.Shard),
		zap.String("connection", ec.Connection),
		zap.Int64("processed", m.Processed),
	)
	return Outcome{Kind: OutcomeCompleted, Done: true}
}

// stop finalizes a cooperative pause or cancel at the slice boundary.
func (r *Runner) stop(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration, final migration.Status) Outcome {
	if err := r.store.UpdateStatus(ctx, m.ID, m.Status, final); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	prev := m.Status
	m.Status = final
	r.logger.Info("Migration stopped",
		zap.String("id", m.ID),
		zap.String("shard", ec.Shard),
		zap.String("intent", string(prev)),
		zap.String("status", string(final)),
	)
	if desc, err := r.registry.New(m.Name, m.Args); err == nil {
		if sh, ok := desc.(work.StopHandler); ok {
			if err := sh.OnStop(ctx, final); err != nil {
				r.logger.Warn("OnStop callback failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
		closeDescriptor(desc)
	}
	return Outcome{Kind: OutcomeStopped}
}

// fail classifies and persists a slice failure: errored while attempts
// remain, failed once exhausted or explicitly terminal.
func (r *Runner) fail(ctx context.Context, ec migration.ExecutionContext, m *migration.Migration, err error) Outcome {
	attempts := m.Attempts + 1
	terminal := work.IsTerminal(err) || attempts >= m.MaxAttempts

	to := migration.StatusErrored
	kind := migration.KindTransient
	if terminal {
		to = migration.StatusFailed
		kind = migration.KindTerminal
	}

	trace := trimTrace(debug.Stack(), r.cfg.TraceLimit)
	if serr := r.store.RecordError(ctx, m.ID, m.Status, to, attempts, kind, err.Error(), trace); serr != nil {
		r.logger.Error("Failed to persist error state",
			zap.String("id", m.ID),
			zap.Error(serr),
		)
	} else {
		m.Status = to
		m.Attempts = attempts
	}

	r.logger.Warn("Slice failed",
		zap.String("id", m.ID),
		zap.String("name", m.Name),
		zap.String("shard", ec.Shard),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", m.MaxAttempts),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	if !terminal {
		r.notifier.Emit(notify.EventRetried, m)
	}
	r.invokeHook(err, m)
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (r *Runner) invokeHook(err error, m *migration.Migration) {
	if r.hook == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Error hook panicked",
				zap.String("id", m.ID),
				zap.Any("panic", rec),
			)
		}
	}()
	r.hook(err, m)
}

// closeDescriptor releases descriptor-held resources (database
// handles) when the implementation exposes a Close.
func closeDescriptor(desc work.Descriptor) {
	if c, ok := desc.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func trimTrace(stack []byte, limit int) string {
	if len(stack) <= limit {
		return string(stack)
	}
	return string(stack[:limit])
}
