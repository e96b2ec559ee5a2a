package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConceptIDDeterministic(t *testing.T) {
	a := NewConceptID([]byte("Paris is the capital of France"))
	b := NewConceptID([]byte("Paris is the capital of France"))
	c := NewConceptID([]byte("Tokyo is the capital of Japan"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewConceptIDEmptyContent(t *testing.T) {
	// Empty content is a valid (if odd) payload and must not panic.
	id := NewConceptID(nil)
	assert.Equal(t, id, NewConceptID([]byte{}))
}

func TestConceptClone(t *testing.T) {
	orig := &Concept{
		ID:        NewConceptID([]byte("x")),
		Content:   []byte("x"),
		Vector:    []float32{1, 2, 3},
		Strength:  1.0,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"lang": "en"},
	}

	cl := orig.Clone()
	require.Equal(t, orig, cl)

	cl.Content[0] = 'y'
	cl.Vector[0] = 9
	cl.Metadata["lang"] = "fr"

	assert.Equal(t, byte('x'), orig.Content[0])
	assert.Equal(t, float32(1), orig.Vector[0])
	assert.Equal(t, "en", orig.Metadata["lang"])
}

func TestConceptIDString(t *testing.T) {
	assert.Len(t, ConceptID(1).String(), 16)
}
