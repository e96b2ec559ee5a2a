package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 0},
		{name: "unit apart", a: []float32{0, 0}, b: []float32{1, 0}, want: 1},
		{name: "pythagorean", a: []float32{0, 0}, b: []float32{3, 4}, want: 25},
		{name: "negative components", a: []float32{-1, -1}, b: []float32{1, 1}, want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SquaredL2(tt.a, tt.b), 1e-6)
		})
	}
}

func TestDot(t *testing.T) {
	assert.InDelta(t, float32(11), Dot([]float32{1, 2}, []float32{3, 4}), 1e-6)
	assert.InDelta(t, float32(0), Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestCosineDistance(t *testing.T) {
	// Parallel vectors are at distance 0, orthogonal at 1, opposite at 2.
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 5}), 1e-6)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
}

func TestCosineDistanceZeroNorm(t *testing.T) {
	assert.InDelta(t, 1, CosineDistance([]float32{0, 0}, []float32{1, 0}), 1e-6)
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))

	norm := math.Sqrt(float64(Dot(v, v)))
	assert.InDelta(t, 1.0, norm, 1e-6)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestNormalizeL2InPlaceZeroVector(t *testing.T) {
	assert.False(t, NormalizeL2InPlace([]float32{0, 0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))
}

func TestNormalizeL2CopyDoesNotMutate(t *testing.T) {
	src := []float32{3, 4}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 4}, src)
	assert.NotEqual(t, src, dst)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		f, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, f)
	}

	_, err := Provider(Metric(99))
	require.Error(t, err)
}

func TestProviderOrderingContract(t *testing.T) {
	// Every metric must rank a closer pair below a farther one.
	q := []float32{1, 0}
	near := []float32{0.9, 0.1}
	far := []float32{-1, 0}

	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		f, err := Provider(m)
		require.NoError(t, err)
		assert.Less(t, f(q, near), f(q, far), m.String())
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricL2, m)

	m, err = ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	_, err = ParseMetric("hamming")
	require.Error(t, err)
}
