package mnemo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// telemetry package ships a Prometheus-backed implementation.
type MetricsCollector interface {
	// RecordLearn is called after each learn operation.
	// duration is the total time taken, err is nil if successful.
	RecordLearn(duration time.Duration, err error)

	// RecordEdge is called after each association upsert or delete.
	RecordEdge(duration time.Duration, err error)

	// RecordSearch is called after each vector search.
	// k is the number of neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each concept delete.
	RecordDelete(duration time.Duration, err error)

	// RecordSnapshot is called after each snapshot attempt.
	// bytes is the encoded size, zero when the attempt failed early.
	RecordSnapshot(duration time.Duration, bytes int64, err error)

	// RecordReplay is called once per startup recovery.
	RecordReplay(entries int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLearn(time.Duration, error)           {}
func (NoopMetricsCollector) RecordEdge(time.Duration, error)            {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)          {}
func (NoopMetricsCollector) RecordSnapshot(time.Duration, int64, error) {}
func (NoopMetricsCollector) RecordReplay(int, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	LearnCount       atomic.Int64
	LearnErrors      atomic.Int64
	LearnTotalNanos  atomic.Int64
	EdgeCount        atomic.Int64
	EdgeErrors       atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SnapshotCount    atomic.Int64
	SnapshotErrors   atomic.Int64
	SnapshotBytes    atomic.Int64
	ReplayEntries    atomic.Int64
}

// RecordLearn implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLearn(duration time.Duration, err error) {
	b.LearnCount.Add(1)
	b.LearnTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LearnErrors.Add(1)
	}
}

// RecordEdge implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEdge(duration time.Duration, err error) {
	b.EdgeCount.Add(1)
	if err != nil {
		b.EdgeErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(duration time.Duration, bytes int64, err error) {
	b.SnapshotCount.Add(1)
	b.SnapshotBytes.Add(bytes)
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}

// RecordReplay implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReplay(entries int, duration time.Duration, err error) {
	b.ReplayEntries.Add(int64(entries))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		LearnCount:     b.LearnCount.Load(),
		LearnErrors:    b.LearnErrors.Load(),
		LearnAvgNanos:  b.avg(b.LearnTotalNanos.Load(), b.LearnCount.Load()),
		EdgeCount:      b.EdgeCount.Load(),
		EdgeErrors:     b.EdgeErrors.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: b.avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
		SnapshotCount:  b.SnapshotCount.Load(),
		SnapshotErrors: b.SnapshotErrors.Load(),
		SnapshotBytes:  b.SnapshotBytes.Load(),
		ReplayEntries:  b.ReplayEntries.Load(),
	}
}

func (b *BasicMetricsCollector) avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	LearnCount     int64
	LearnErrors    int64
	LearnAvgNanos  int64
	EdgeCount      int64
	EdgeErrors     int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
	DeleteCount    int64
	DeleteErrors   int64
	SnapshotCount  int64
	SnapshotErrors int64
	SnapshotBytes  int64
	ReplayEntries  int64
}

var (
	_ MetricsCollector = (*NoopMetricsCollector)(nil)
	_ MetricsCollector = (*BasicMetricsCollector)(nil)
)
