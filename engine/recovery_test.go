package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-db/mnemo/internal/fs"
	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/snapshot"
)

type captureMetrics struct {
	mu            sync.Mutex
	snapshotErr   int
	replayEntries []int
}

func (m *captureMetrics) RecordSnapshot(_ time.Duration, _ int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snapshotErr++
	}
}

func (m *captureMetrics) RecordReplay(entries int, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayEntries = append(m.replayEntries, entries)
}

func (m *captureMetrics) failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotErr
}

func (m *captureMetrics) lastReplay() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replayEntries) == 0 {
		return -1
	}
	return m.replayEntries[len(m.replayEntries)-1]
}

type captureArchiver struct {
	mu    sync.Mutex
	seqs  []uint64
	sizes []int64
	read  []int64
}

func (a *captureArchiver) Upload(_ context.Context, seq uint64, r io.Reader, size int64) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqs = append(a.seqs, seq)
	a.sizes = append(a.sizes, size)
	a.read = append(a.read, n)
	return nil
}

func (a *captureArchiver) uploads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seqs)
}

func TestCloseThenReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openTestEngine(t, dir)
	paris := mustLearn(t, e, "paris", []float32{0.9, 0.1, 0})
	tokyo := mustLearn(t, e, "tokyo", []float32{0, 1, 0})
	require.NoError(t, e.AddEdge(ctx, paris, tokyo, model.RelationRelated, 0.4))
	require.NoError(t, e.Reinforce(ctx, paris, 0.5))
	require.NoError(t, e.Close())

	_, err := os.Stat(filepath.Join(dir, snapshot.FileName))
	require.NoError(t, err)

	m := &captureMetrics{}
	e = openTestEngine(t, dir, func(o *Options) { o.Metrics = m })

	// Close flushed a snapshot and truncated the log, so reopen replays
	// nothing.
	assert.Equal(t, 0, m.lastReplay())

	got, err := e.GetConcept(paris)
	require.NoError(t, err)
	assert.Equal(t, []byte("paris"), got.Content)
	assert.InDelta(t, 1.5, got.Strength, 1e-9)

	edges, err := e.Edges(paris)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, tokyo, edges[0].Target)
	assert.Equal(t, 0.4, edges[0].Weight)

	res, err := e.Search(ctx, []float32{0.9, 0.1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, paris, res[0].ID)

	// New writes continue the original sequence numbering.
	assert.Equal(t, uint64(4), e.Stats().AppliedSeq)
	mustLearn(t, e, "berlin", []float32{0.5, 0.5, 0})
	mustFlush(t, e)
	assert.Equal(t, uint64(5), e.Stats().AppliedSeq)
	assert.Equal(t, uint64(3), e.Stats().Concepts)
}

func TestReplayRebuildsFromLogWhenSnapshotFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	// Every snapshot attempt dies on its first write.
	ffs.AddRule(".snap.tmp", fs.Fault{FailAfterBytes: 0})

	e := openTestEngine(t, dir, func(o *Options) { o.FS = ffs })
	a := mustLearn(t, e, "a", []float32{1, 0, 0})
	b := mustLearn(t, e, "b", []float32{0, 1, 0})
	c := mustLearn(t, e, "c", []float32{0, 0, 1})
	require.NoError(t, e.AddEdge(ctx, a, b, model.RelationIsA, 1))
	require.NoError(t, e.Reinforce(ctx, a, 1.0))
	require.NoError(t, e.DeleteConcept(ctx, c))
	_ = e.Close()

	// The final snapshot failed, so everything comes back from the log.
	m := &captureMetrics{}
	e = openTestEngine(t, dir, func(o *Options) {
		o.FS = ffs
		o.Metrics = m
	})
	assert.Equal(t, 6, m.lastReplay())

	got, err := e.GetConcept(a)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got.Strength, 1e-9)
	_, err = e.GetConcept(c)
	assert.ErrorIs(t, err, ErrNotFound)

	edges, err := e.Edges(a)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, b, edges[0].Target)

	res, err := e.Search(ctx, []float32{1, 0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, a, res[0].ID)
}

func TestSnapshotPlusLogTailRestores(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	e := openTestEngine(t, dir, func(o *Options) { o.FS = ffs })

	a := mustLearn(t, e, "a", []float32{1, 0, 0})
	mustFlush(t, e)

	b := mustLearn(t, e, "b", []float32{0, 1, 0})
	require.NoError(t, e.AddEdge(ctx, a, b, model.RelationRelated, 1))
	ffs.AddRule(".snap.tmp", fs.Fault{FailAfterBytes: 0})
	_ = e.Close()

	// Restore combines the old snapshot with the surviving log tail.
	ffs.ClearRule(".snap.tmp")
	m := &captureMetrics{}
	e = openTestEngine(t, dir, func(o *Options) {
		o.FS = ffs
		o.Metrics = m
	})
	assert.Equal(t, 2, m.lastReplay())

	st := e.Stats()
	assert.Equal(t, uint64(2), st.Concepts)
	assert.Equal(t, uint64(1), st.Edges)
	assert.Equal(t, uint64(3), st.AppliedSeq)
	assert.Equal(t, uint64(1), st.SnapshotSeq)
}

func TestSnapshotFailureRetriesUntilCleared(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".snap.tmp", fs.Fault{FailAfterBytes: 0})
	m := &captureMetrics{}

	e := openTestEngine(t, dir, func(o *Options) {
		o.FS = ffs
		o.Metrics = m
		o.FlushThreshold = 2
	})

	for i := 0; i < 5; i++ {
		mustLearn(t, e, fmt.Sprintf("c%d", i), []float32{float32(i), 1, 0})
	}

	// An explicit flush reports the failure; writes are unaffected.
	var de *ErrDurability
	err := e.Flush(ctx)
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, fs.ErrInjected)
	mustLearn(t, e, "late", []float32{9, 9, 9})
	assert.Zero(t, e.Stats().SnapshotSeq)

	// The reconciler keeps retrying on its tick.
	require.Eventually(t, func() bool {
		return m.failures() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Once the fault clears, the pending retry lands without another
	// explicit flush.
	ffs.ClearRule(".snap.tmp")
	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.SnapshotSeq > 0 && st.SnapshotSeq == st.AppliedSeq
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, uint64(6), e.Stats().SnapshotSeq)
}

func TestSyncFailureDegradesWritesOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	e := openTestEngine(t, dir, func(o *Options) { o.FS = ffs })

	stable := mustLearn(t, e, "stable", []float32{1, 0, 0})
	mustFlush(t, e)

	ffs.AddRule("mnemo.wal", fs.Fault{FailOnSync: true})

	var de *ErrDurability
	_, err := e.Learn(ctx, []byte("doomed"), []float32{0, 1, 0}, nil)
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, fs.ErrInjected)

	// Reads keep serving while durability is impaired.
	got, gerr := e.GetConcept(stable)
	require.NoError(t, gerr)
	assert.Equal(t, []byte("stable"), got.Content)
	assert.True(t, e.Stats().Degraded)
	require.ErrorAs(t, e.Health(), &de)

	// The log stays poisoned after the fault clears; only reopening
	// recovers.
	ffs.ClearRule("mnemo.wal")
	_, err = e.Learn(ctx, []byte("still failing"), []float32{0, 0, 1}, nil)
	require.ErrorAs(t, err, &de)
	_ = e.Close()

	e = openTestEngine(t, dir, func(o *Options) { o.FS = ffs })
	assert.False(t, e.Stats().Degraded)
	require.NoError(t, e.Health())
	_, err = e.GetConcept(stable)
	require.NoError(t, err)
	mustLearn(t, e, "fresh", []float32{1, 1, 0})
}

func TestDimensionChangeRejectedOnReopen(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	mustLearn(t, e, "x", []float32{1, 0, 0})
	require.NoError(t, e.Close())

	_, err := Open(context.Background(), func(o *Options) {
		o.Path = dir
		o.Dimension = 8
	})
	var ce *ErrCorruption
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "dimension")
}

func TestCorruptSnapshotFailsOpen(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	mustLearn(t, e, "x", []float32{1, 0, 0})
	require.NoError(t, e.Close())

	path := filepath.Join(dir, snapshot.FileName)
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o644))

	_, err := Open(context.Background(), func(o *Options) {
		o.Path = dir
		o.Dimension = 3
	})
	var ce *ErrCorruption
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)
}

func TestAutoFlushAtThreshold(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.FlushThreshold = 3
	})

	for i := 0; i < 5; i++ {
		mustLearn(t, e, fmt.Sprintf("c%d", i), []float32{float32(i), 0, 1})
	}

	require.Eventually(t, func() bool {
		return e.Stats().SnapshotSeq >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestArchiverReceivesFlushedSnapshot(t *testing.T) {
	arch := &captureArchiver{}
	e := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.Archiver = arch
	})

	mustLearn(t, e, "a", []float32{1, 0, 0})
	mustLearn(t, e, "b", []float32{0, 1, 0})
	mustFlush(t, e)

	require.Eventually(t, func() bool {
		return arch.uploads() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, uint64(2), arch.seqs[0])
	assert.Positive(t, arch.sizes[0])
	assert.Equal(t, arch.sizes[0], arch.read[0])
}
