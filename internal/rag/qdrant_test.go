package rag

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankHits_TieAtBoundaryKeepsLowerPosition(t *testing.T) {
	t.Parallel()

	// Qdrant returned the tied points in arbitrary order.
	hits := []Hit{
		{Position: 7, Distance: 0.5},
		{Position: 1, Distance: 0.1},
		{Position: 3, Distance: 0.5},
		{Position: 9, Distance: 0.9},
	}
	got := rankHits(hits, 2)

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Position)
	assert.Equal(t, 3, got[1].Position)
}

func TestRankHits_FewerThanK(t *testing.T) {
	t.Parallel()

	got := rankHits([]Hit{{Position: 2, Distance: 0.2}}, 5)
	assert.Len(t, got, 1)
}

func TestFetchLimit_OverFetches(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 5, 50} {
		assert.Greater(t, fetchLimit(k), k)
	}
}

func TestCheckVectorSize(t *testing.T) {
	t.Parallel()

	info := func(size uint64) *qdrant.CollectionInfo {
		return &qdrant.CollectionInfo{
			Config: &qdrant.CollectionConfig{
				Params: &qdrant.CollectionParams{
					VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
						Size:     size,
						Distance: qdrant.Distance_Cosine,
					}),
				},
			},
		}
	}

	assert.NoError(t, checkVectorSize("records", info(768), 768))

	err := checkVectorSize("records", info(384), 768)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "records")

	err = checkVectorSize("records", &qdrant.CollectionInfo{}, 768)
	assert.Error(t, err)
}
