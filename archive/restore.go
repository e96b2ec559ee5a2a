package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Restore downloads the newest archived snapshot into destPath, returning
// its sequence number. The file is written via a temp path and rename, so
// a failed download never clobbers an existing snapshot.
func Restore(ctx context.Context, store Store, destPath string) (uint64, error) {
	seq, name, err := store.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive: resolve latest: %w", err)
	}
	obj, err := store.Open(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("archive: open %s: %w", name, err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}

	tmp := destPath + ".restore"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(f, io.NewSectionReader(obj, 0, obj.Size()))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("archive: download %s: %w", name, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return seq, nil
}
