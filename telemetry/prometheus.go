// Package telemetry exports engine metrics to Prometheus.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options contains configuration for the Prometheus collector.
type Options struct {
	// Namespace prefixes every metric name. Default "mnemo".
	Namespace string

	// Registerer receives the collectors. Default
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// LatencyBuckets are the histogram buckets for operation latency in
	// seconds. Default prometheus.DefBuckets.
	LatencyBuckets []float64
}

// DefaultOptions returns default collector options.
var DefaultOptions = Options{
	Namespace:      "mnemo",
	LatencyBuckets: prometheus.DefBuckets,
}

// PrometheusCollector implements the root package's MetricsCollector on
// Prometheus instruments.
type PrometheusCollector struct {
	opLatency      *prometheus.HistogramVec
	searchK        prometheus.Histogram
	snapshots      *prometheus.CounterVec
	snapshotTime   prometheus.Histogram
	snapshotSize   prometheus.Gauge
	replayEntries  prometheus.Gauge
	replaySeconds  prometheus.Gauge
	replayFailures prometheus.Counter
}

// NewPrometheusCollector creates and registers the collector. It fails
// when a metric name is already registered.
func NewPrometheusCollector(optFns ...func(o *Options)) (*PrometheusCollector, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of graph operations.",
			Buckets:   opts.LatencyBuckets,
		}, []string{"op", "status"}),
		searchK: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "search_k",
			Help:      "Requested neighbor count per search.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot attempts.",
		}, []string{"status"}),
		snapshotTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time spent writing snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of the last successful snapshot.",
		}),
		replayEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "replay_entries",
			Help:      "Log entries replayed at startup.",
		}),
		replaySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent in startup recovery.",
		}),
		replayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "replay_failures_total",
			Help:      "Startup recoveries that failed.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.opLatency, c.searchK, c.snapshots, c.snapshotTime,
		c.snapshotSize, c.replayEntries, c.replaySeconds, c.replayFailures,
	} {
		if err := opts.Registerer.Register(col); err != nil {
			return nil, fmt.Errorf("telemetry: register: %w", err)
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *PrometheusCollector) observe(op string, duration time.Duration, err error) {
	c.opLatency.WithLabelValues(op, status(err)).Observe(duration.Seconds())
}

// RecordLearn implements MetricsCollector.
func (c *PrometheusCollector) RecordLearn(duration time.Duration, err error) {
	c.observe("learn", duration, err)
}

// RecordEdge implements MetricsCollector.
func (c *PrometheusCollector) RecordEdge(duration time.Duration, err error) {
	c.observe("edge", duration, err)
}

// RecordSearch implements MetricsCollector.
func (c *PrometheusCollector) RecordSearch(k int, duration time.Duration, err error) {
	c.observe("search", duration, err)
	c.searchK.Observe(float64(k))
}

// RecordDelete implements MetricsCollector.
func (c *PrometheusCollector) RecordDelete(duration time.Duration, err error) {
	c.observe("delete", duration, err)
}

// RecordSnapshot implements MetricsCollector.
func (c *PrometheusCollector) RecordSnapshot(duration time.Duration, bytes int64, err error) {
	c.snapshots.WithLabelValues(status(err)).Inc()
	c.snapshotTime.Observe(duration.Seconds())
	if err == nil {
		c.snapshotSize.Set(float64(bytes))
	}
}

// RecordReplay implements MetricsCollector.
func (c *PrometheusCollector) RecordReplay(entries int, duration time.Duration, err error) {
	c.replayEntries.Set(float64(entries))
	c.replaySeconds.Set(duration.Seconds())
	if err != nil {
		c.replayFailures.Inc()
	}
}
