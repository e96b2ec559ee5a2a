package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	f, err := Default.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	info, err := Default.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}

func TestFaultyFSWriteLimit(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("limited", Fault{FailAfterBytes: 4})

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "limited.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("1234"))
	require.NoError(t, err)

	_, err = f.Write([]byte("5"))
	assert.ErrorIs(t, err, ErrInjected)
}

func TestFaultyFSSyncFailure(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("snap", Fault{FailAfterBytes: -1, FailOnSync: true})

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "snap.tmp"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
}

func TestFaultyFSUnmatchedFilesPassThrough(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("other", Fault{FailAfterBytes: 0})

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "normal.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("unaffected"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFaultyFSLateArmedRuleFires(t *testing.T) {
	ffs := NewFaultyFS(nil)

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "live.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("before"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	// Rules are consulted per operation, so arming after open works.
	ffs.AddRule("live", Fault{FailAfterBytes: -1, FailOnSync: true})
	assert.ErrorIs(t, f.Sync(), ErrInjected)

	ffs.ClearRule("live")
	require.NoError(t, f.Sync())
}

func TestFaultyFSClearRule(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("wal", Fault{FailAfterBytes: 0})
	ffs.ClearRule("wal")

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "wal.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
