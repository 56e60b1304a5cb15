// Package anomaly implements the C9 Anomaly Detector: baseline statistics
// over a video's temporal features, z-score anomaly scoring, windowed
// interval detection, and a CompareToNormal convenience for bucketing a
// video's similarity to its own established baseline.
package anomaly

import (
	"context"
	"math"
	"sort"

	"github.com/motionmatch/engine/internal/mathx"
	"github.com/motionmatch/engine/internal/models"
)

// AnomalyThreshold is the default anomaly_score cutoff (tau).
const AnomalyThreshold = 2.0

// WindowSize is the sliding-window length (W) used by DetectWindows.
const WindowSize = 16

// motionMagnitudes returns the per-step motion magnitude of a temporal
// matrix: the L2 norm of the frame-to-frame difference.
func motionMagnitudes(m [][]float32) []float32 {
	if len(m) < 2 {
		return nil
	}
	out := make([]float32, len(m)-1)
	for i := 1; i < len(m); i++ {
		d := len(m[i])
		diff := make([]float32, d)
		for j := 0; j < d && j < len(m[i-1]); j++ {
			diff[j] = m[i][j] - m[i-1][j]
		}
		out[i-1] = mathx.L2Norm(diff)
	}
	return out
}

// EstablishBaseline computes the per-dimension mean/stddev of temporal
// variance, and the scalar mean/stddev of motion magnitude, across a corpus
// of temporal matrices.
func EstablishBaseline(matrices [][][]float32) models.BaselineStatistics {
	var perDimVariances [][]float32
	var motions []float32
	for _, m := range matrices {
		perDimVariances = append(perDimVariances, mathx.PerDimVariance(m))
		motions = append(motions, mathx.Mean(motionMagnitudes(m)))
	}
	return models.BaselineStatistics{
		MeanVariance: mathx.MeanVectors(perDimVariances),
		StdVariance:  mathx.StdDevVectors(perDimVariances),
		MeanMotion:   mathx.Mean(motions),
		StdMotion:    mathx.StdDev(motions),
		SampleCount:  len(matrices),
	}
}

func zScore(value, mean, std float32) float32 {
	if std < mathx.Epsilon {
		return 0
	}
	return (value - mean) / std
}

// varianceDeviation scores a video's per-dimension temporal variance v
// against the baseline's per-dimension mean/std, as the mean absolute
// deviation in standard-deviation units over all D dimensions. Always >= 0.
func varianceDeviation(v, mean, std []float32) float32 {
	d := len(v)
	if len(mean) < d {
		d = len(mean)
	}
	if len(std) < d {
		d = len(std)
	}
	if d == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < d; i++ {
		diff := math.Abs(float64(v[i]) - float64(mean[i]))
		sum += diff / (float64(std[i]) + float64(mathx.Epsilon))
	}
	return float32(sum / float64(d))
}

// DetectAnomaly scores a single video's temporal matrix against baseline.
// anomaly_score is the mean of |motion_z_score| and variance_z_score; the
// variance term is already non-negative by construction (a mean of
// absolute-valued per-dimension deviations), so only the motion term needs
// its own absolute value.
func DetectAnomaly(videoID string, m [][]float32, baseline models.BaselineStatistics, threshold float32) models.AnomalyResult {
	motion := mathx.Mean(motionMagnitudes(m))
	variance := mathx.PerDimVariance(m)

	motionZ := zScore(motion, baseline.MeanMotion, baseline.StdMotion)
	varianceZ := varianceDeviation(variance, baseline.MeanVariance, baseline.StdVariance)

	absMotionZ := float32(math.Abs(float64(motionZ)))
	anomalyScore := (absMotionZ + varianceZ) / 2

	confidence := anomalyScore / threshold * 100
	if confidence > 100 {
		confidence = 100
	}
	if confidence < 0 {
		confidence = 0
	}

	return models.AnomalyResult{
		VideoID:        videoID,
		MotionZScore:   motionZ,
		VarianceZScore: varianceZ,
		AnomalyScore:   anomalyScore,
		IsAnomaly:      anomalyScore > threshold,
		ConfidencePct:  confidence,
	}
}

// windowTimestamp converts a row index into seconds, assuming the totalSteps
// rows are spread uniformly across durationSeconds.
func windowTimestamp(index int, totalSteps int, durationSeconds float64) float64 {
	if totalSteps <= 1 {
		return 0
	}
	return durationSeconds * float64(index) / float64(totalSteps-1)
}

// DetectWindows slides a window of WindowSize motion-magnitude samples
// across the matrix and reports each window whose |motion z-score| exceeds
// 2.0. Timestamps are normalized against durationSeconds.
func DetectWindows(m [][]float32, durationSeconds float64) []models.AnomalyWindow {
	motions := motionMagnitudes(m)
	if len(motions) < WindowSize {
		return nil
	}

	overallMean := mathx.Mean(motions)
	overallStd := mathx.StdDev(motions)

	var windows []models.AnomalyWindow
	for start := 0; start+WindowSize <= len(motions); start++ {
		window := motions[start : start+WindowSize]
		windowMean := mathx.Mean(window)
		z := zScore(windowMean, overallMean, overallStd)
		if float32(math.Abs(float64(z))) > 2.0 {
			windows = append(windows, models.AnomalyWindow{
				StartTime:    windowTimestamp(start, len(m), durationSeconds),
				EndTime:      windowTimestamp(start+WindowSize, len(m), durationSeconds),
				MotionZScore: z,
			})
		}
	}
	return windows
}

// NeighborSearcher is the subset of the vector index CompareToNormal needs.
type NeighborSearcher interface {
	SearchGlobal(ctx context.Context, videoID string, topK int) ([]NeighborHit, error)
}

// NeighborHit is one candidate returned by a neighbor search.
type NeighborHit struct {
	VideoID         string
	SimilarityScore float32
}

// interpret buckets a similarity score into a three-way label: > 0.95 very
// similar, > 0.90 somewhat similar, else different.
func interpret(score float32) string {
	switch {
	case score > 0.95:
		return "very similar to normal"
	case score > 0.90:
		return "somewhat similar"
	default:
		return "different"
	}
}

// CompareToNormal searches the index for videoID's nearest neighbors among
// the baseline corpus and annotates each with an interpretation bucket.
func CompareToNormal(ctx context.Context, searcher NeighborSearcher, videoID string, topK int) ([]models.NormalComparison, error) {
	hits, err := searcher.SearchGlobal(ctx, videoID, topK)
	if err != nil {
		return nil, err
	}

	out := make([]models.NormalComparison, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.NormalComparison{
			VideoID:         h.VideoID,
			SimilarityScore: h.SimilarityScore,
			Interpretation:  interpret(h.SimilarityScore),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SimilarityScore > out[j].SimilarityScore
	})
	return out, nil
}
