package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mnemo-db/mnemo/internal/mmap"
)

const latestName = "LATEST"

// Local is a Store on a local directory. Objects land via a temp file and
// rename, so readers never observe partial content; reads are memory
// mapped.
type Local struct {
	root string

	// mu serializes pointer read-modify-write in CommitLatest.
	mu sync.Mutex
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create root: %w", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(l.root, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("archive: short object: %d of %d bytes", n, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l *Local) Open(ctx context.Context, name string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := mmap.Open(filepath.Join(l.root, name))
	if err != nil {
		return nil, err
	}
	return &localObject{m: m}, nil
}

func (l *Local) CommitLatest(ctx context.Context, seq uint64, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, _, err := l.readLatest()
	switch {
	case err == nil && seq <= cur:
		return ErrStale
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	path := filepath.Join(l.root, latestName)
	tmp := path + ".tmp"
	data := fmt.Appendf(nil, "%d %s\n", seq, name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Latest needs no lock: pointer swaps are atomic renames.
func (l *Local) Latest(ctx context.Context) (uint64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	return l.readLatest()
}

func (l *Local) readLatest() (uint64, string, error) {
	data, err := os.ReadFile(filepath.Join(l.root, latestName))
	if err != nil {
		return 0, "", err
	}
	var (
		seq  uint64
		name string
	)
	if _, err := fmt.Sscanf(string(data), "%d %s", &seq, &name); err != nil {
		return 0, "", fmt.Errorf("archive: malformed pointer: %w", err)
	}
	return seq, name, nil
}

type localObject struct {
	m *mmap.Mapping
}

func (o *localObject) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := o.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (o *localObject) Close() error {
	return o.m.Close()
}

func (o *localObject) Size() int64 {
	return int64(len(o.m.Bytes()))
}
