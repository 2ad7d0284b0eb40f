package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	vector := []float32{0.1, -2.5, 3.75, 0}
	blob := SerializeVector(vector)
	require.Len(t, blob, 16)

	got, err := DeserializeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, vector, got)
}

func TestSerializeEmptyVector(t *testing.T) {
	assert.Nil(t, SerializeVector(nil))

	got, err := DeserializeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeserializeInvalidLength(t *testing.T) {
	_, err := DeserializeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
}
