package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "registration_migrator"

// Collector is a prometheus.Collector for migration runs. A nil *Collector
// is valid and records nothing.
type Collector struct {
	pagesFetched  prometheus.Counter
	registrations *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	inFlight      prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		pagesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "The number of registration pages fetched from the source.",
			},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "The number of registrations processed, by result.",
			}, []string{"result"},
		),
		writeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_failures_total",
				Help:      "The number of failed registration writes, by stage and kind.",
			}, []string{"stage", "kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "The number of finished migration runs, by status.",
			}, []string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "The wall time of a migration run.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "writes_in_flight",
				Help:      "The number of registration writes currently executing.",
			},
		),
	}
}

// PageFetched counts one fetched page.
func (c *Collector) PageFetched() {
	if c == nil {
		return
	}
	c.pagesFetched.Inc()
}

// WriteStarted marks a write as in flight.
func (c *Collector) WriteStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// WriteSucceeded counts a migrated registration.
func (c *Collector) WriteSucceeded() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.registrations.WithLabelValues("migrated").Inc()
}

// WriteFailed counts a failed registration.
func (c *Collector) WriteFailed(stage, kind string) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.registrations.WithLabelValues("failed").Inc()
	c.writeFailures.WithLabelValues(stage, kind).Inc()
}

// RunFinished records the outcome of a run.
func (c *Collector) RunFinished(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pagesFetched.Describe(ch)
	c.registrations.Describe(ch)
	c.writeFailures.Describe(ch)
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.inFlight.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.pagesFetched.Collect(ch)
	c.registrations.Collect(ch)
	c.writeFailures.Collect(ch)
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.inFlight.Collect(ch)
}
