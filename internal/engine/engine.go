// Package engine wires the store, registry, runner and scheduler
// together and exposes the operator surface: enqueue, pause, resume,
// cancel, retry, inspect, and the periodic scheduling loop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"gradual/internal/config"
	"gradual/internal/lock"
	"gradual/internal/metrics"
	"gradual/internal/migration"
	"gradual/internal/notify"
	"gradual/internal/progress"
	"gradual/internal/runner"
	"gradual/internal/scheduler"
	"gradual/internal/store"
	"gradual/internal/work"
)

// Option customizes engine construction.
type Option func(*Engine)

// WithThrottle installs the external health predicate.
func WithThrottle(fn func() bool) Option {
	return func(e *Engine) { e.throttleFn = fn }
}

// WithErrorHook installs the external error handler.
func WithErrorHook(hook runner.Hook) Option {
	return func(e *Engine) { e.hook = hook }
}

// WithCollector installs a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// Engine is the assembled batch execution engine.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	registry *work.Registry
	notifier *notify.Notifier
	runner   *runner.Runner
	sched    *scheduler.Scheduler
	locks    *lock.Advisory

	throttleFn func() bool
	hook       runner.Hook
	collector  *metrics.Collector
}

// New assembles an engine over the configured database.
func New(cfg *config.Config, registry *work.Registry, logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}

	st, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.store = st

	locks, err := lock.New(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to set up advisory locks: %w", err)
	}
	e.locks = locks

	sinks := []notify.Sink{&notify.LogSink{Logger: logger}}
	if e.collector != nil {
		sinks = append(sinks, e.collector)
	}
	e.notifier = notify.New(logger, sinks...)

	throttle := runner.NewThrottle(e.throttleFn,
		time.Duration(cfg.Runner.ThrottleIntervalMs)*time.Millisecond)
	e.runner = runner.New(st, registry, throttle, e.notifier, e.collector, e.hook,
		runner.Config{
			BatchSize:  cfg.Runner.BatchSize,
			TraceLimit: cfg.Runner.TraceLimit,
		}, logger)

	hostname, _ := os.Hostname()
	e.sched = scheduler.New(st, e.runner, locks, e.collector,
		scheduler.Config{
			Name:             cfg.Scheduler.Name,
			Holder:           fmt.Sprintf("%s/%d", hostname, os.Getpid()),
			Connection:       cfg.Database,
			MaxSliceDuration: time.Duration(cfg.Scheduler.MaxSliceDurationMs) * time.Millisecond,
			StuckMargin:      time.Duration(cfg.Scheduler.StuckMarginMs) * time.Millisecond,
			LockTTL:          time.Duration(cfg.Scheduler.LockTTLMs) * time.Millisecond,
		}, logger)

	return e, nil
}

// EnqueueRequest describes work to enqueue. Shards fans the work out
// into one child migration per shard under a composite parent.
type EnqueueRequest struct {
	Name        string
	Args        json.RawMessage
	Shard       string
	Shards      []string
	MaxAttempts int
	Pace        time.Duration
}

// Enqueue validates and persists a new migration. It is idempotent:
// enqueueing identical (name, args, shard) work returns the existing
// record.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*migration.Migration, error) {
	if !e.registry.Known(req.Name) {
		return nil, &migration.ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("no descriptor registered for %q", req.Name),
		}
	}
	if len(req.Args) > 0 && !json.Valid(req.Args) {
		return nil, &migration.ValidationError{Field: "args", Reason: "not valid JSON"}
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = e.cfg.Runner.MaxAttempts
	}
	if req.Pace <= 0 {
		req.Pace = time.Duration(e.cfg.Runner.PaceMs) * time.Millisecond
	}

	// Building the descriptor up front both validates the arguments
	// synchronously and captures the exclusivity key.
	desc, err := e.registry.New(req.Name, req.Args)
	if err != nil {
		return nil, err
	}
	resource := ""
	if rs, ok := desc.(work.Resourcer); ok {
		resource = rs.ResourceKey()
	}
	if c, ok := desc.(interface{ Close() error }); ok {
		defer c.Close()
	}

	if len(req.Shards) > 0 {
		return e.enqueueComposite(ctx, req, resource)
	}

	m, created, err := e.store.Enqueue(ctx, store.EnqueueParams{
		Name:        req.Name,
		Args:        req.Args,
		Shard:       req.Shard,
		Resource:    resource,
		MaxAttempts: req.MaxAttempts,
		Pace:        req.Pace,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.Info("Enqueue was a no-op, identical work exists",
			zap.String("id", m.ID), zap.String("name", m.Name))
	}
	return m, nil
}

// enqueueComposite creates a fan-out parent plus one child per shard.
func (e *Engine) enqueueComposite(ctx context.Context, req EnqueueRequest, resource string) (*migration.Migration, error) {
	parent, _, err := e.store.Enqueue(ctx, store.EnqueueParams{
		Name:        req.Name,
		Args:        req.Args,
		Shard:       req.Shard,
		Composite:   true,
		MaxAttempts: req.MaxAttempts,
		Pace:        req.Pace,
	})
	if err != nil {
		return nil, err
	}
	for _, shard := range req.Shards {
		key := resource
		if key != "" {
			key = key + "|" + shard
		}
		if _, _, err := e.store.Enqueue(ctx, store.EnqueueParams{
			Name:        req.Name,
			Args:        req.Args,
			Shard:       shard,
			Resource:    key,
			ParentID:    parent.ID,
			MaxAttempts: req.MaxAttempts,
			Pace:        req.Pace,
		}); err != nil {
			return nil, fmt.Errorf("enqueueing shard %s: %w", shard, err)
		}
	}
	return parent, nil
}

// Pause requests a cooperative pause. A running migration gets the
// pausing intent, resolved by the runner at the next slice boundary;
// anything else is paused immediately if the transition is legal.
func (e *Engine) Pause(ctx context.Context, id string) error {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch m.Status {
	case migration.StatusRunning:
		return e.store.UpdateStatus(ctx, id, m.Status, migration.StatusPausing)
	case migration.StatusPausing, migration.StatusPaused:
		return nil
	default:
		return e.store.UpdateStatus(ctx, id, m.Status, migration.StatusPaused)
	}
}

// Cancel requests a cooperative cancel, mirroring Pause.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch m.Status {
	case migration.StatusRunning:
		return e.store.UpdateStatus(ctx, id, m.Status, migration.StatusCancelling)
	case migration.StatusCancelling, migration.StatusCancelled:
		return nil
	default:
		return e.store.UpdateStatus(ctx, id, m.Status, migration.StatusCancelled)
	}
}

// Resume returns a paused or delayed migration to the runnable pool.
func (e *Engine) Resume(ctx context.Context, id string) error {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.store.UpdateStatus(ctx, id, m.Status, migration.StatusPending)
}

// Retry re-enters a failed migration from its last persisted cursor:
// attempts and error state are cleared, progress is kept.
func (e *Engine) Retry(ctx context.Context, id string) error {
	return e.store.ResetForRetry(ctx, id)
}

// Get returns one migration.
func (e *Engine) Get(ctx context.Context, id string) (*migration.Migration, error) {
	return e.store.Get(ctx, id)
}

// List returns all migrations in creation order.
func (e *Engine) List(ctx context.Context) ([]*migration.Migration, error) {
	return e.store.List(ctx, store.ListFilter{})
}

// Progress returns an operator progress snapshot for one migration.
func (e *Engine) Progress(ctx context.Context, id string) (progress.Snapshot, error) {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Compute(m, time.Now()), nil
}

// Slices returns the durable slice audit trail for one migration.
func (e *Engine) Slices(ctx context.Context, id string) ([]*store.SliceRecord, error) {
	return e.store.Slices(ctx, id)
}

// Tick runs one scheduling iteration.
func (e *Engine) Tick(ctx context.Context) error {
	return e.sched.Tick(ctx, scheduler.Options{
		MaxConcurrency: e.cfg.Scheduler.MaxConcurrency,
		Shard:          e.cfg.Scheduler.Shard,
	})
}

// Loop drives Tick on the configured interval until ctx is cancelled.
func (e *Engine) Loop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()

	e.logger.Info("Scheduler loop started",
		zap.Duration("interval", e.cfg.TickInterval()),
		zap.Int("max_concurrency", e.cfg.Scheduler.MaxConcurrency),
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Scheduler loop stopped")
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("Tick failed", zap.Error(err))
			}
		}
	}
}

// Store exposes the persistence layer.
func (e *Engine) Store() store.Store {
	return e.store
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}
