package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorJobSlots(t *testing.T) {
	g := NewGovernor(Config{MaxBackgroundJobs: 1})

	require.True(t, g.TryAcquireJob())
	assert.False(t, g.TryAcquireJob())

	g.ReleaseJob()
	require.NoError(t, g.AcquireJob(context.Background()))
	g.ReleaseJob()
}

func TestGovernorAcquireJobHonorsContext(t *testing.T) {
	g := NewGovernor(Config{MaxBackgroundJobs: 1})
	require.True(t, g.TryAcquireJob())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.AcquireJob(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	g.ReleaseJob()
}

func TestGovernorPaceIOSplitsLargeRequests(t *testing.T) {
	// Burst equals the per-second budget, so a request above it must be
	// split rather than rejected.
	g := NewGovernor(Config{MaxBackgroundJobs: 1, IOBytesPerSec: 1 << 20})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, g.PaceIO(ctx, 3<<20))
}

func TestGovernorUnpacedIO(t *testing.T) {
	g := NewGovernor(Config{MaxBackgroundJobs: 2})
	require.NoError(t, g.PaceIO(context.Background(), 1<<30))
}

func TestNilGovernorAdmitsEverything(t *testing.T) {
	var g *Governor

	require.NoError(t, g.AcquireJob(context.Background()))
	assert.True(t, g.TryAcquireJob())
	g.ReleaseJob()
	require.NoError(t, g.PaceIO(context.Background(), 1<<20))
}

func TestPacedWriterCopiesThrough(t *testing.T) {
	g := NewGovernor(Config{MaxBackgroundJobs: 1, IOBytesPerSec: 1 << 20})

	var buf bytes.Buffer
	w := NewPacedWriter(context.Background(), &buf, g)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestPacedReaderCopiesThrough(t *testing.T) {
	g := NewGovernor(Config{MaxBackgroundJobs: 1, IOBytesPerSec: 1 << 20})

	r := NewPacedReader(context.Background(), bytes.NewReader([]byte("payload")), g)

	got := make([]byte, 7)
	n, err := r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", string(got))
}
