package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/model"
)

func TestUniformVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	assert.LessOrEqual(t, v[0][0], float32(1.0))
	assert.GreaterOrEqual(t, v[1][0], float32(0.0))
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UnitVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))

	// Check normalization
	for _, vec := range v {
		var sum float32
		for _, val := range vec {
			sum += val * val
		}
		assert.InDelta(t, float32(1.0), sum, 1e-5)
	}
}

func TestClusteredVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.ClusteredVectors(100, 32, 5, 0.1)

	assert.Equal(t, 100, len(v))
	assert.Equal(t, 32, len(v[0]))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.UniformVectors(1, 10)

	rng.Reset()
	v2 := rng.UniformVectors(1, 10)

	assert.Equal(t, v1, v2)
}

func TestBruteForceSearch(t *testing.T) {
	vectors := map[model.ConceptID][]float32{
		1: {0, 0},
		2: {1, 0},
		3: {3, 0},
		4: {0, 1}, // same distance to the query as id 2
	}

	results := BruteForceSearch(vectors, []float32{0, 0}, 3, distance.SquaredL2)

	assert.Equal(t, []model.SearchResult{
		{ID: 1, Distance: 0},
		{ID: 2, Distance: 1},
		{ID: 4, Distance: 1},
	}, results)
}

func TestComputeRecall(t *testing.T) {
	truth := []model.SearchResult{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	approx := []model.SearchResult{{ID: 1}, {ID: 2}, {ID: 9}, {ID: 4}}

	assert.InDelta(t, 0.75, ComputeRecall(truth, approx), 1e-9)
	assert.Equal(t, 1.0, ComputeRecall(nil, nil))
	assert.Equal(t, 0.0, ComputeRecall(truth, nil))
}
