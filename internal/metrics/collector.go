// Package metrics collects and exposes Prometheus metrics for the
// engine. The Collector doubles as a notification sink.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gradual/internal/migration"
	"gradual/internal/notify"
)

// Collector collects and exposes metrics.
type Collector struct {
	eventsTotal       *prometheus.CounterVec
	slicesTotal       *prometheus.CounterVec
	itemsTotal        prometheus.Counter
	runningMigrations prometheus.Gauge
	sliceDuration     prometheus.Histogram
}

// New creates a new metrics collector and registers its metrics.
func New() *Collector {
	c := &Collector{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradual_events_total",
				Help: "Total number of engine lifecycle events by type",
			},
			[]string{"event"},
		),
		slicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradual_slices_total",
				Help: "Total number of executed slices by outcome",
			},
			[]string{"outcome"},
		),
		itemsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gradual_items_processed_total",
				Help: "Total items processed across all migrations",
			},
		),
		runningMigrations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gradual_running_migrations",
				Help: "Number of migrations currently running",
			},
		),
		sliceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gradual_slice_duration_seconds",
				Help:    "Time taken to execute one slice",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	prometheus.MustRegister(c.eventsTotal)
	prometheus.MustRegister(c.slicesTotal)
	prometheus.MustRegister(c.itemsTotal)
	prometheus.MustRegister(c.runningMigrations)
	prometheus.MustRegister(c.sliceDuration)

	return c
}

// Notify implements notify.Sink.
func (c *Collector) Notify(ev notify.Event, m *migration.Migration) {
	c.eventsTotal.WithLabelValues(string(ev)).Inc()
}

// IncSlice increments the slice counter for an outcome.
func (c *Collector) IncSlice(outcome string) {
	c.slicesTotal.WithLabelValues(outcome).Inc()
}

// AddItems adds to the processed item count.
func (c *Collector) AddItems(n int64) {
	c.itemsTotal.Add(float64(n))
}

// SetRunning sets the number of migrations currently running.
func (c *Collector) SetRunning(count int) {
	c.runningMigrations.Set(float64(count))
}

// ObserveSliceDuration observes one slice execution duration.
func (c *Collector) ObserveSliceDuration(d time.Duration) {
	c.sliceDuration.Observe(d.Seconds())
}

// StartServer starts the metrics HTTP server.
func (c *Collector) StartServer(addr string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, nil)
}
