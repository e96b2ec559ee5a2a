package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("snapshot-bytes-"), 100)
	require.NoError(t, store.Put(ctx, ObjectName(7), bytes.NewReader(payload), int64(len(payload))))

	obj, err := store.Open(ctx, ObjectName(7))
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, int64(len(payload)), obj.Size())

	got := make([]byte, len(payload))
	n, err := obj.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	// A read crossing the end returns the bytes it got plus EOF.
	tail := make([]byte, 64)
	n, err = obj.ReadAt(tail, obj.Size()-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLocalOpenMissing(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), ObjectName(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPutRejectsShortObject(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), ObjectName(1), bytes.NewReader([]byte("abc")), 10)
	require.Error(t, err)

	// The failed put leaves nothing behind.
	_, err = store.Open(context.Background(), ObjectName(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitLatestMonotonic(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CommitLatest(ctx, 5, ObjectName(5)))
	seq, name, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, ObjectName(5), name)

	// Older and repeated commits do not move the pointer.
	assert.ErrorIs(t, store.CommitLatest(ctx, 3, ObjectName(3)), ErrStale)
	assert.ErrorIs(t, store.CommitLatest(ctx, 5, ObjectName(5)), ErrStale)
	seq, _, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	require.NoError(t, store.CommitLatest(ctx, 9, ObjectName(9)))
	seq, name, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
	assert.Equal(t, ObjectName(9), name)
}

func TestUploaderAdvancesLatest(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	up := NewUploader(store)

	first := []byte("first snapshot")
	second := []byte("second snapshot, longer")
	require.NoError(t, up.Upload(ctx, 3, bytes.NewReader(first), int64(len(first))))
	require.NoError(t, up.Upload(ctx, 8, bytes.NewReader(second), int64(len(second))))

	// A late replay of an old snapshot is swallowed as stale.
	require.NoError(t, up.Upload(ctx, 3, bytes.NewReader(first), int64(len(first))))

	seq, name, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)
	assert.Equal(t, ObjectName(8), name)
}

func TestRestoreFetchesNewest(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	up := NewUploader(store)

	require.NoError(t, up.Upload(ctx, 1, bytes.NewReader([]byte("old")), 3))
	want := bytes.Repeat([]byte("fresh"), 1000)
	require.NoError(t, up.Upload(ctx, 2, bytes.NewReader(want), int64(len(want))))

	dest := filepath.Join(t.TempDir(), "data", "mnemo.snap")
	seq, err := Restore(ctx, store, dest)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRestoreEmptyArchive(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = Restore(context.Background(), store, filepath.Join(t.TempDir(), "mnemo.snap"))
	assert.ErrorIs(t, err, ErrNotFound)
}
