package wal

import (
	"errors"
	"fmt"
	"time"

	"github.com/mnemo-db/mnemo/internal/fs"
)

// DurabilityMode defines the fsync behavior for log writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes but data may be
	// lost on crash. Bulk loads and tests only.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync across concurrent appenders.
	// Append returns once a sync has covered its record. Recommended.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append. Slowest, strongest.
	DurabilitySync
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityAsync:
		return "async"
	case DurabilityGroupCommit:
		return "group_commit"
	case DurabilitySync:
		return "sync"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseDurability maps a config string to a DurabilityMode.
func ParseDurability(s string) (DurabilityMode, error) {
	switch s {
	case "", "group", "group_commit":
		return DurabilityGroupCommit, nil
	case "sync":
		return DurabilitySync, nil
	case "async":
		return DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("unsupported durability mode: %q", s)
	}
}

// OperationType tags a log entry with the mutation it carries.
type OperationType uint8

const (
	OpPutConcept OperationType = iota + 1
	OpDeleteConcept
	OpPutEdge
	OpDeleteEdge
	OpReinforce
	OpDecay
)

func (op OperationType) valid() bool {
	return op >= OpPutConcept && op <= OpDecay
}

// Entry is a single logged mutation. Payload encoding belongs to the
// caller; the log only guarantees ordering, durability and integrity.
type Entry struct {
	Seq uint64
	Op  OperationType
	// VecLen is the embedding component count carried by the payload,
	// zero when the operation has no vector. It travels with the entry
	// so replay can validate dimensionality without decoding payloads.
	VecLen  uint32
	Payload []byte
}

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("wal: closed")

	// ErrInvalidCRC marks a fully-present record whose checksum does
	// not match. Unlike a torn tail this is unrecoverable.
	ErrInvalidCRC = errors.New("wal: invalid record checksum")

	// ErrRecordTooLarge guards replay against absurd length fields.
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// ErrCorrupt reports an unrecoverable log problem found while opening or
// replaying. Startup must refuse to serve over it.
type ErrCorrupt struct {
	Path   string
	Reason string
	cause  error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("wal: corrupt log %s: %s", e.Path, e.Reason)
}

func (e *ErrCorrupt) Unwrap() error { return e.cause }

// Options contains configuration for the log.
type Options struct {
	// Path is the directory where the log file is stored.
	Path string

	// Dimension is the vector dimensionality recorded in the header.
	// Reopening with a different value is a corruption error.
	Dimension uint32

	// Compress enables zstd compression of entry payloads.
	Compress bool

	// CompressionLevel sets the zstd level (1-22). Default 3.
	CompressionLevel int

	// DurabilityMode controls fsync behavior. Default GroupCommit.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum wait before the background
	// syncer fsyncs in GroupCommit mode. Default 5ms.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps fsyncs immediately once this many appends are
	// pending. Default 64.
	GroupCommitMaxOps int

	// FS abstracts file access so tests can inject failures.
	// Defaults to the local file system.
	FS fs.FileSystem
}

// DefaultOptions returns default log options.
var DefaultOptions = Options{
	Path:                ".",
	CompressionLevel:    3,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 5 * time.Millisecond,
	GroupCommitMaxOps:   64,
	FS:                  fs.Default,
}
