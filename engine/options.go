package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/internal/fs"
	"github.com/mnemo-db/mnemo/snapshot"
	"github.com/mnemo-db/mnemo/wal"
)

// Metrics receives engine-internal measurements. The root package's
// MetricsCollector satisfies it.
type Metrics interface {
	RecordSnapshot(duration time.Duration, bytes int64, err error)
	RecordReplay(entries int, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordSnapshot(time.Duration, int64, error) {}
func (noopMetrics) RecordReplay(int, time.Duration, error)     {}

// Archiver receives a copy of each snapshot after a successful flush.
// Uploads are best effort replication on top of local durability; the
// archive package ships implementations for local directories, S3 and
// MinIO.
type Archiver interface {
	Upload(ctx context.Context, seq uint64, r io.Reader, size int64) error
}

// Options contains configuration for an engine instance.
type Options struct {
	// Path is the data directory. Log and snapshot live inside it.
	Path string

	// Dimension is the embedding vector length. Fixed per storage path
	// at first use; reopening with a different value is a corruption
	// error.
	Dimension int

	// Metric selects the vector distance function. Default squared
	// Euclidean.
	Metric distance.Metric

	// M is the index connectivity degree. Zero means the index default.
	M int

	// EFConstruction is the index build breadth. Zero means the index
	// default.
	EFConstruction int

	// EFSearch is the default query breadth when a search passes zero.
	EFSearch int

	// Durability controls log fsync behavior. Default group commit.
	Durability wal.DurabilityMode

	// GroupCommitInterval bounds the group commit fsync latency. Zero
	// means the log default.
	GroupCommitInterval time.Duration

	// CompressLog enables zstd compression of log entry payloads.
	CompressLog bool

	// SnapshotCodec selects the snapshot block compression. Default
	// zstd.
	SnapshotCodec snapshot.Codec

	// FlushThreshold is the number of applied writes that forces a
	// snapshot flush. Default 1024.
	FlushThreshold int

	// WakeInterval is the reconciler tick. Default 250ms.
	WakeInterval time.Duration

	// QueueSize bounds the pending entry queue between writers and the
	// reconciler. Writers block once it fills. Default 4096.
	QueueSize int

	// MaxBackgroundJobs caps concurrent snapshot flushes and archive
	// uploads. Default 1.
	MaxBackgroundJobs int64

	// IOBytesPerSec paces background snapshot and archive I/O. Zero
	// means unpaced.
	IOBytesPerSec int64

	// Archiver, when set, receives every flushed snapshot.
	Archiver Archiver

	// Logger receives engine lifecycle events. Default discards.
	Logger *slog.Logger

	// Metrics receives snapshot and replay measurements.
	Metrics Metrics

	// FS abstracts file access so tests can inject failures. Defaults
	// to the local file system.
	FS fs.FileSystem
}

// DefaultOptions returns default engine options.
var DefaultOptions = Options{
	Metric:         distance.MetricL2,
	Durability:     wal.DurabilityGroupCommit,
	SnapshotCodec:  snapshot.CodecZstd,
	FlushThreshold: 1024,
	WakeInterval:   250 * time.Millisecond,
	QueueSize:      4096,
	FS:             fs.Default,
}
