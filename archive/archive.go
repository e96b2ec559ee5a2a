// Package archive replicates engine snapshots to a blob store.
//
// Archival is best effort layered on local durability. After a flush the
// engine hands the snapshot to an Uploader, which stores it as an
// immutable object and then advances a LATEST pointer. Restore fetches
// whatever LATEST names; that is always a complete snapshot, because the
// pointer only moves after the object is fully written.
//
// Built-in backends:
//
//   - Local: a directory, with memory-mapped reads
//   - s3.Store: Amazon S3, with DynamoDB providing the atomic pointer
//   - minio.Store: MinIO and other S3-compatible systems
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when an archived object does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// ErrStale reports a commit that did not advance the LATEST pointer
// because an equal or newer snapshot is already committed. Uploaders
// treat it as success.
var ErrStale = errors.New("archive: stale snapshot")

// Store is a snapshot archive backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores an object under name, replacing any previous content.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open opens a stored object for reading.
	Open(ctx context.Context, name string) (Object, error)

	// CommitLatest publishes name as the snapshot for seq. The LATEST
	// pointer is monotonic: a commit that cannot advance it returns
	// ErrStale or is recorded without moving the pointer.
	CommitLatest(ctx context.Context, seq uint64, name string) error

	// Latest resolves the LATEST pointer to the newest committed
	// snapshot. ErrNotFound when nothing has been committed yet.
	Latest(ctx context.Context) (seq uint64, name string, err error)
}

// Object is a read-only handle to an archived snapshot.
type Object interface {
	io.ReaderAt
	io.Closer
	// Size returns the object size in bytes.
	Size() int64
}

// ObjectName returns the canonical object name for a snapshot sequence.
func ObjectName(seq uint64) string {
	return fmt.Sprintf("snap-%016x", seq)
}

// Uploader feeds flushed snapshots into a Store. It satisfies the
// engine's Archiver.
type Uploader struct {
	store Store
}

// NewUploader creates an Uploader writing to store.
func NewUploader(store Store) *Uploader {
	return &Uploader{store: store}
}

// Upload stores the snapshot and advances LATEST. A stale commit is not
// an error: a newer snapshot is already archived.
func (u *Uploader) Upload(ctx context.Context, seq uint64, r io.Reader, size int64) error {
	name := ObjectName(seq)
	if err := u.store.Put(ctx, name, r, size); err != nil {
		return fmt.Errorf("archive: put %s: %w", name, err)
	}
	if err := u.store.CommitLatest(ctx, seq, name); err != nil {
		if errors.Is(err, ErrStale) {
			return nil
		}
		return fmt.Errorf("archive: commit %s: %w", name, err)
	}
	return nil
}
