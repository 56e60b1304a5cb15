// Package search implements the C8 Search Pipeline: encode-or-cache the
// query, fetch ANN candidates from the vector index, re-rank by temporal
// similarity, and return a truncated, sorted result set.
package search

import (
	"context"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/mathx"
	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
	"github.com/motionmatch/engine/internal/querycache"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

// Fusion weights for combining temporal and global similarity scores.
const (
	weightDTW    = 0.5
	weightCosine = 0.3
	weightVar    = 0.2
	weightTemp   = 0.7
	weightGlobal = 0.3
)

// Encoder is the subset of the C1 gateway the pipeline needs.
type Encoder interface {
	Encode(ctx context.Context, videoPath string) (*models.EncodeResult, error)
}

// Query describes a similarity search request.
type Query struct {
	VideoReader io.Reader // used only to compute the cache fingerprint
	VideoPath   string    // local path the encoder reads from
	TopK        int
	CandidateFanOut int
	Filter      vectorindex.Filter
	IncludeTemporalRerank bool
}

// Pipeline wires together the stores the search operation needs.
type Pipeline struct {
	encoder  Encoder
	vectors  *vectorindex.Store
	temporal *temporalstore.Store
	meta     *metadata.Store
	cache    *querycache.Cache
	log      zerolog.Logger
}

// New builds a Pipeline.
func New(encoder Encoder, vectors *vectorindex.Store, temporal *temporalstore.Store, meta *metadata.Store, cache *querycache.Cache, log zerolog.Logger) *Pipeline {
	return &Pipeline{encoder: encoder, vectors: vectors, temporal: temporal, meta: meta, cache: cache, log: log}
}

// Search fingerprints the query, encodes-or-reuses-cache, fetches ANN
// candidates, optionally re-ranks by temporal similarity, and returns
// results sorted by final score descending.
func (p *Pipeline) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	fanOut := q.CandidateFanOut
	if fanOut <= 0 {
		fanOut = q.TopK
	}
	if q.TopK <= 0 {
		return nil, nil
	}

	fingerprint, err := querycache.Fingerprint(q.VideoReader)
	if err != nil {
		return nil, err
	}

	encoded, err := p.cache.GetOrEncode(fingerprint, func() (*models.EncodeResult, error) {
		return p.encoder.Encode(ctx, q.VideoPath)
	})
	if err != nil {
		return nil, err
	}

	queryGlobal := mathx.Normalize(encoded.Global)
	candidates, err := p.vectors.Search(ctx, queryGlobal, fanOut, q.Filter)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		res := models.SearchResult{
			VideoID:         c.VideoID,
			GlobalScore:     c.Similarity,
			SimilarityScore: c.Similarity,
		}

		if q.IncludeTemporalRerank && len(encoded.Temporal) > 0 {
			candidateTemporal, err := p.temporal.Get(c.VideoID)
			if err != nil {
				p.log.Debug().Err(err).Str("video_id", c.VideoID).Msg("skipping temporal rerank: no temporal features")
			} else {
				tempScore := fuseTemporalScores(encoded.Temporal, candidateTemporal)
				res.TemporalScore = tempScore
				res.SimilarityScore = mathx.Clip01(weightTemp*tempScore + weightGlobal*c.Similarity)
			}
		}

		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SimilarityScore != results[j].SimilarityScore {
			return results[i].SimilarityScore > results[j].SimilarityScore
		}
		return results[i].VideoID < results[j].VideoID
	})

	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// fuseTemporalScores combines DTW, cosine, and variance similarity between
// two temporal matrices using the fusion weights above.
func fuseTemporalScores(query, candidate [][]float32) float32 {
	dtwSim := mathx.DTWSimilarity(query, candidate)

	queryMean := mathx.RowMean(query)
	candidateMean := mathx.RowMean(candidate)
	cosSim := mathx.CosineSimilarity(queryMean, candidateMean)

	queryVar := mathx.RowVariance(query)
	candidateVar := mathx.RowVariance(candidate)
	varSim := mathx.VarianceSimilarity(queryVar, candidateVar)

	return weightDTW*dtwSim + weightCosine*cosSim + weightVar*varSim
}
