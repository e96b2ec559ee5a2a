// Package snapshot serializes a graph view into a compacted binary file
// and loads it back. A snapshot captures the full concept, vector and edge
// tables at one log sequence number; replaying log entries past that
// number on top of a loaded snapshot reproduces the live view exactly.
//
// Files are written to a temp path, fsynced, and renamed over the previous
// snapshot, and the directory is synced afterwards, so readers only ever
// observe a complete previous or complete next snapshot.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mnemo-db/mnemo/graph"
	"github.com/mnemo-db/mnemo/internal/fs"
	"github.com/mnemo-db/mnemo/model"
)

// FileName is the default snapshot file name inside a storage directory.
const FileName = "mnemo.snap"

// Codec selects the block compression applied to each section.
type Codec uint8

const (
	// CodecNone stores sections uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 trades ratio for speed.
	CodecLZ4 Codec = 1
	// CodecZstd trades speed for ratio.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec maps a config string to a Codec. The empty string selects
// the zstd default.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "zstd":
		return CodecZstd, nil
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unsupported snapshot codec: %q", s)
	}
}

// Options contains configuration for snapshot reads and writes.
type Options struct {
	// Codec compresses section payloads. Default zstd.
	Codec Codec

	// FS abstracts file access so tests can inject failures. Defaults to
	// the local file system.
	FS fs.FileSystem
}

// DefaultOptions returns default snapshot options.
var DefaultOptions = Options{
	Codec: CodecZstd,
	FS:    fs.Default,
}

// ErrCorrupt reports an unreadable snapshot. Startup must refuse to serve
// over it rather than recover partially.
type ErrCorrupt struct {
	Path   string
	Reason string
	cause  error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("snapshot: corrupt file %s: %s", e.Path, e.Reason)
}

func (e *ErrCorrupt) Unwrap() error { return e.cause }

// Snapshot is the decoded content of a snapshot file. Vectors are already
// joined back onto their concepts.
type Snapshot struct {
	LastSeq   uint64
	Dimension uint32
	Concepts  []*model.Concept
	Edges     []model.Association
}

// Save serializes view into an atomic replacement of the snapshot file at
// path and reports the number of bytes written. The view's applied sequence
// number becomes the snapshot boundary: log entries at or below it are
// covered and may be truncated.
func Save(path string, view *graph.View, dimension uint32, optFns ...func(o *Options)) (int64, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	data, err := encode(view, dimension, opts.Codec)
	if err != nil {
		return 0, err
	}
	size := int64(len(data))

	tmpPath := path + ".tmp"
	f, err := opts.FS.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		opts.FS.Remove(tmpPath)
		return 0, fmt.Errorf("snapshot: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		opts.FS.Remove(tmpPath)
		return 0, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		opts.FS.Remove(tmpPath)
		return 0, fmt.Errorf("snapshot: close: %w", err)
	}

	if err := opts.FS.Rename(tmpPath, path); err != nil {
		opts.FS.Remove(tmpPath)
		return 0, fmt.Errorf("snapshot: rename: %w", err)
	}
	if err := syncDir(opts.FS, filepath.Dir(path)); err != nil {
		return 0, err
	}
	return size, nil
}

// Load reads and verifies the snapshot at path. A missing file returns an
// error satisfying errors.Is(err, os.ErrNotExist), which callers treat as
// a cold start.
func Load(path string, optFns ...func(o *Options)) (*Snapshot, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	f, err := opts.FS.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat %s: %w", path, err)
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	return decode(path, data)
}

func syncDir(fsys fs.FileSystem, dir string) error {
	f, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("snapshot: open directory: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync directory: %w", err)
	}
	return nil
}

// sortedConcepts returns the view's concepts ordered by id so snapshot
// bytes are deterministic for identical state.
func sortedConcepts(view *graph.View) []*model.Concept {
	concepts := make([]*model.Concept, 0, view.ConceptCount())
	view.Concepts(func(c *model.Concept) bool {
		concepts = append(concepts, c)
		return true
	})
	slices.SortFunc(concepts, func(a, b *model.Concept) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return concepts
}

func sortedEdges(view *graph.View) []model.Association {
	edges := make([]model.Association, 0, view.EdgeCount())
	view.Edges(func(a model.Association) bool {
		edges = append(edges, a)
		return true
	})
	slices.SortFunc(edges, func(a, b model.Association) int {
		if a.Source != b.Source {
			if a.Source < b.Source {
				return -1
			}
			return 1
		}
		if a.Target != b.Target {
			if a.Target < b.Target {
				return -1
			}
			return 1
		}
		if a.Relation != b.Relation {
			if a.Relation < b.Relation {
				return -1
			}
			return 1
		}
		return 0
	})
	return edges
}
