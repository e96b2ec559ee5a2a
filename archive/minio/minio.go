// Package minio archives snapshots to MinIO and other S3-compatible
// stores.
//
// These systems have no conditional writes, so the LATEST pointer is a
// small object updated read-check-write under a process-local lock. Run
// one archiver per prefix. Concurrent archivers in separate processes
// can race the pointer, but it still only ever names a fully written
// snapshot.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/mnemo-db/mnemo/archive"
)

const latestName = "LATEST"

// Store implements archive.Store on an S3-compatible endpoint.
type Store struct {
	client *minio.Client
	bucket string
	prefix string

	// mu serializes the pointer read-modify-write in CommitLatest.
	mu sync.Mutex
}

var _ archive.Store = (*Store)(nil)

// NewStore creates a MinIO archive writing objects under prefix in
// bucket. The bucket must exist.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, minio.PutObjectOptions{})
	return err
}

func (s *Store) Open(ctx context.Context, name string) (archive.Object, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, archive.ErrNotFound
		}
		return nil, err
	}

	return &object{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   info.Size,
	}, nil
}

func (s *Store) CommitLatest(ctx context.Context, seq uint64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _, err := s.readLatest(ctx)
	switch {
	case err == nil && seq <= cur:
		return archive.ErrStale
	case err != nil && !errors.Is(err, archive.ErrNotFound):
		return err
	}

	payload := fmt.Appendf(nil, "%d %s\n", seq, name)
	_, err = s.client.PutObject(ctx, s.bucket, s.key(latestName),
		bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	return err
}

// Latest reads the pointer without the lock. Pointer updates replace
// the object whole, so a read sees either the old or the new value.
func (s *Store) Latest(ctx context.Context) (uint64, string, error) {
	return s.readLatest(ctx)
}

func (s *Store) readLatest(ctx context.Context) (uint64, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(latestName), minio.GetObjectOptions{})
	if err != nil {
		return 0, "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return 0, "", archive.ErrNotFound
		}
		return 0, "", err
	}

	var seq uint64
	var name string
	if _, err := fmt.Sscanf(string(data), "%d %s", &seq, &name); err != nil {
		return 0, "", fmt.Errorf("minio: malformed %s pointer: %w", latestName, err)
	}
	return seq, name, nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// object reads an archived snapshot with ranged GETs.
type object struct {
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (o *object) Close() error {
	return nil
}

func (o *object) Size() int64 {
	return o.size
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= o.size {
		end = o.size - 1
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}
	obj, err := o.client.GetObject(context.Background(), o.bucket, o.key, opts)
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		// The range was clamped at the end of the object.
		return n, io.EOF
	}
	return n, nil
}
