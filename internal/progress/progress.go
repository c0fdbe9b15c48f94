// Package progress reports operator-facing completion figures for a
// migration: percent done, processing rate and estimated time to
// completion.
package progress

import (
	"fmt"
	"time"

	"gradual/internal/migration"
)

// Snapshot is a point-in-time view of one migration's progress.
type Snapshot struct {
	Percent   int
	Processed int64
	Total     int64
	// Known is false when no item-count estimate exists; Percent is 0
	// then (100 once succeeded) and ETA is unavailable.
	Known   bool
	Elapsed time.Duration
	// Rate is items per second since the migration started.
	Rate float64
	ETA  time.Duration
}

// Compute builds a snapshot for m as of now.
func Compute(m *migration.Migration, now time.Time) Snapshot {
	s := Snapshot{
		Percent:   m.ProgressPercent(),
		Processed: m.Processed,
	}
	if m.Total != nil && *m.Total > 0 {
		s.Total = *m.Total
		s.Known = true
	}

	start := m.CreatedAt
	if m.StartedAt != nil {
		start = *m.StartedAt
	}
	end := now
	if m.FinishedAt != nil {
		end = *m.FinishedAt
	}
	s.Elapsed = end.Sub(start)
	if s.Elapsed > 0 {
		s.Rate = float64(m.Processed) / s.Elapsed.Seconds()
	}

	if s.Known && s.Rate > 0 && !m.Status.Terminal() {
		remaining := s.Total - m.Processed
		if remaining > 0 {
			s.ETA = time.Duration(float64(remaining)/s.Rate) * time.Second
		}
	}
	return s
}

// FormatDuration renders a duration as compact h/m/s text.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// FormatRate renders items/second as human readable text.
func FormatRate(perSecond float64) string {
	if perSecond >= 1000 {
		return fmt.Sprintf("%.1fk items/s", perSecond/1000)
	}
	return fmt.Sprintf("%.1f items/s", perSecond)
}
