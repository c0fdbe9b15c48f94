// Package notify fans engine lifecycle events out to sinks
// (log, metrics). Delivery is fire-and-forget: sinks must tolerate
// duplicates and out-of-order events, and a misbehaving sink never
// affects the engine.
package notify

import (
	"go.uber.org/zap"

	"gradual/internal/migration"
)

// Event names one engine lifecycle signal.
type Event string

const (
	EventStarted   Event = "started"
	EventRanSlice  Event = "ran-slice"
	EventCompleted Event = "completed"
	EventRetried   Event = "retried"
	EventThrottled Event = "throttled"
)

// Sink consumes events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Notify(ev Event, m *migration.Migration)
}

// Notifier delivers events to every registered sink, containing any
// panic a sink raises.
type Notifier struct {
	sinks  []Sink
	logger *zap.Logger
}

// New returns a notifier over the given sinks.
func New(logger *zap.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger}
}

// Emit delivers ev to all sinks, best effort.
func (n *Notifier) Emit(ev Event, m *migration.Migration) {
	for _, s := range n.sinks {
		n.deliver(s, ev, m)
	}
}

func (n *Notifier) deliver(s Sink, ev Event, m *migration.Migration) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("Notification sink panicked",
				zap.String("event", string(ev)),
				zap.Any("panic", r),
			)
		}
	}()
	s.Notify(ev, m)
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (l *LogSink) Notify(ev Event, m *migration.Migration) {
	l.Logger.Info("Migration event",
		zap.String("event", string(ev)),
		zap.String("id", m.ID),
		zap.String("name", m.Name),
		zap.String("status", string(m.Status)),
		zap.Int64("processed", m.Processed),
	)
}
