package hnsw

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/testutil"
)

func newTestIndex(t *testing.T, dim int, optFns ...func(o *Options)) *Index {
	t.Helper()
	h, err := New(append([]func(o *Options){func(o *Options) {
		o.Dimension = dim
	}}, optFns...)...)
	require.NoError(t, err)
	return h
}

func TestInsertAndExactSearch(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 3)

	require.NoError(t, h.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, h.Insert(ctx, 2, []float32{0, 1, 0}))
	require.NoError(t, h.Insert(ctx, 3, []float32{0, 0, 1}))

	res, err := h.Search(ctx, []float32{0, 1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, model.ConceptID(2), res[0].ID)
	assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
}

func TestSearchOrderedByDistance(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	require.NoError(t, h.Insert(ctx, 10, []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, 20, []float32{2, 0}))
	require.NoError(t, h.Insert(ctx, 30, []float32{3, 0}))

	res, err := h.Search(ctx, []float32{0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, model.ConceptID(10), res[0].ID)
	assert.Equal(t, model.ConceptID(20), res[1].ID)
	assert.Equal(t, model.ConceptID(30), res[2].ID)
	assert.LessOrEqual(t, res[0].Distance, res[1].Distance)
	assert.LessOrEqual(t, res[1].Distance, res[2].Distance)
}

func TestSearchTieBreak(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	// Four points equidistant from the origin, inserted out of id order.
	require.NoError(t, h.Insert(ctx, 40, []float32{0, -1}))
	require.NoError(t, h.Insert(ctx, 10, []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, 30, []float32{-1, 0}))
	require.NoError(t, h.Insert(ctx, 20, []float32{0, 1}))

	res, err := h.Search(ctx, []float32{0, 0}, 4, 0)
	require.NoError(t, err)
	require.Len(t, res, 4)
	for i := 1; i < len(res); i++ {
		assert.Equal(t, res[0].Distance, res[i].Distance)
	}
	assert.Equal(t, model.ConceptID(10), res[0].ID)
	assert.Equal(t, model.ConceptID(20), res[1].ID)
	assert.Equal(t, model.ConceptID(30), res[2].ID)
	assert.Equal(t, model.ConceptID(40), res[3].ID)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 4)

	err := h.Insert(ctx, 1, []float32{1, 2})
	require.Error(t, err)

	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)

	// Nothing was inserted.
	assert.Equal(t, 0, h.Len())

	_, err = h.Search(ctx, []float32{1, 2, 3}, 1, 0)
	require.ErrorAs(t, err, &mismatch)
}

func TestRemoveExcludesFromResults(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	require.NoError(t, h.Insert(ctx, 1, []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, 2, []float32{2, 0}))
	require.NoError(t, h.Insert(ctx, 3, []float32{3, 0}))

	assert.True(t, h.Remove(1))
	assert.False(t, h.Remove(1))
	assert.False(t, h.Contains(1))
	assert.Equal(t, 2, h.Len())

	res, err := h.Search(ctx, []float32{0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, model.ConceptID(2), res[0].ID)
	assert.Equal(t, model.ConceptID(3), res[1].ID)
}

func TestInsertReplacesExistingID(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	require.NoError(t, h.Insert(ctx, 1, []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, 2, []float32{10, 0}))
	require.NoError(t, h.Insert(ctx, 1, []float32{20, 0}))

	assert.Equal(t, 2, h.Len())

	res, err := h.Search(ctx, []float32{0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, model.ConceptID(2), res[0].ID)
	assert.Equal(t, model.ConceptID(1), res[1].ID)
	assert.InDelta(t, 400.0, res[1].Distance, 1e-4)

	stats := h.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 1, stats.Tombstones)
}

func TestEmptyIndexSearch(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	res, err := h.Search(ctx, []float32{1, 2}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestInvalidK(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2)

	_, err := h.Search(ctx, []float32{1, 2}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestCosineRejectsZeroVector(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2, func(o *Options) {
		o.Metric = distance.MetricCosine
	})

	err := h.Insert(ctx, 1, []float32{0, 0})
	assert.ErrorIs(t, err, ErrZeroVector)

	require.NoError(t, h.Insert(ctx, 2, []float32{1, 1}))
	_, err = h.Search(ctx, []float32{0, 0}, 1, 0)
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestCosineSimilarDirection(t *testing.T) {
	ctx := context.Background()
	h := newTestIndex(t, 2, func(o *Options) {
		o.Metric = distance.MetricCosine
	})

	require.NoError(t, h.Insert(ctx, 1, []float32{1, 0}))
	require.NoError(t, h.Insert(ctx, 2, []float32{0, 1}))

	// Same direction, different magnitude.
	res, err := h.Search(ctx, []float32{5, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, model.ConceptID(1), res[0].ID)
	assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
}

func TestRecallImprovesWithEF(t *testing.T) {
	ctx := context.Background()
	const (
		dim = 8
		n   = 500
		k   = 10
	)

	h := newTestIndex(t, dim)
	rng := testutil.NewRNG(42)

	vecs := make(map[model.ConceptID][]float32, n)
	for i, v := range rng.UniformVectors(n, dim) {
		id := model.ConceptID(i + 1)
		vecs[id] = v
		require.NoError(t, h.Insert(ctx, id, v))
	}

	recall := func(ef int) float64 {
		const queries = 20
		qrng := testutil.NewRNG(7)

		var sum float64
		for range queries {
			q := make([]float32, dim)
			qrng.FillUniform(q)

			truth := testutil.BruteForceSearch(vecs, q, k, distance.SquaredL2)
			res, err := h.Search(ctx, q, k, ef)
			require.NoError(t, err)

			sum += testutil.ComputeRecall(truth, res)
		}
		return sum / queries
	}

	low := recall(k)
	high := recall(n)

	assert.GreaterOrEqual(t, high, low)
	assert.Greater(t, high, 0.9)
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	ctx := context.Background()
	const dim = 4

	h := newTestIndex(t, dim)
	rng := testutil.NewRNG(1)

	seed := rng.UniformVectors(50, dim)
	for i, v := range seed {
		require.NoError(t, h.Insert(ctx, model.ConceptID(i+1), v))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := h.Search(ctx, seed[0], 5, 64)
				assert.NoError(t, err)
				for i := 1; i < len(res); i++ {
					assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
				}
			}
		}()
	}

	for i, v := range rng.UniformVectors(200, dim) {
		require.NoError(t, h.Insert(ctx, model.ConceptID(i+51), v))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 250, h.Len())
}

func TestRebuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	const dim = 4

	rng := testutil.NewRNG(11)
	ids := make([]model.ConceptID, 0, 100)
	vecs := make(map[model.ConceptID][]float32, 100)
	for i, v := range rng.UniformVectors(100, dim) {
		id := model.ConceptID(i + 1)
		ids = append(ids, id)
		vecs[id] = v
	}

	seq := func(yield func(model.ConceptID, []float32) bool) {
		for _, id := range ids {
			if !yield(id, vecs[id]) {
				return
			}
		}
	}

	a, err := Rebuild(ctx, seq, func(o *Options) { o.Dimension = dim })
	require.NoError(t, err)
	b, err := Rebuild(ctx, seq, func(o *Options) { o.Dimension = dim })
	require.NoError(t, err)

	assert.Equal(t, a.Stats(), b.Stats())
	assert.Zero(t, a.Stats().Tombstones)

	query := vecs[ids[17]]
	ra, err := a.Search(ctx, query, 10, 64)
	require.NoError(t, err)
	rb, err := b.Search(ctx, query, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}
