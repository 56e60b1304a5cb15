package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionmatch/engine/internal/mathx"
	"github.com/motionmatch/engine/internal/models"
)

func TestFuseTemporalScoresMatchesFormula(t *testing.T) {
	query := [][]float32{{1, 2}, {3, 4}}
	candidate := [][]float32{{1, 2}, {3, 4}}

	got := fuseTemporalScores(query, candidate)

	dtw := mathx.DTWSimilarity(query, candidate)
	cos := mathx.CosineSimilarity(mathx.RowMean(query), mathx.RowMean(candidate))
	v := mathx.VarianceSimilarity(mathx.RowVariance(query), mathx.RowVariance(candidate))
	want := float32(0.5)*dtw + float32(0.3)*cos + float32(0.2)*v

	assert.InDelta(t, want, got, 1e-6)
}

func TestFuseTemporalScoresIdenticalSequencesIsNearOne(t *testing.T) {
	seq := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	got := fuseTemporalScores(seq, seq)
	assert.InDelta(t, 1.0, got, 1e-5)
}

func TestSearchTopKZeroReturnsNoResults(t *testing.T) {
	p := &Pipeline{}
	res, err := p.Search(context.Background(), Query{TopK: 0})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSearchResultsSortedDescendingWithTieBreak(t *testing.T) {
	results := []models.SearchResult{
		{VideoID: "b", SimilarityScore: 0.5},
		{VideoID: "a", SimilarityScore: 0.5},
		{VideoID: "c", SimilarityScore: 0.9},
	}
	// Exercise the same ordering rule Search applies, directly, since
	// building the full candidate pipeline needs live stores.
	less := func(i, j int) bool {
		if results[i].SimilarityScore != results[j].SimilarityScore {
			return results[i].SimilarityScore > results[j].SimilarityScore
		}
		return results[i].VideoID < results[j].VideoID
	}
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if !less(i, j) && less(j, i) {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	assert.Equal(t, []string{"c", "a", "b"}, []string{results[0].VideoID, results[1].VideoID, results[2].VideoID})
}
