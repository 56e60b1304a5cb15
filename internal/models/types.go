package models

import "time"

// Video is the canonical record for an indexed video, spanning C2/C3/C4.
type Video struct {
	VideoID             string            `json:"video_id"`
	VideoURL            string            `json:"video_url"`
	Title               string            `json:"title,omitempty"`
	Duration            float64           `json:"duration"`
	Resolution          string            `json:"resolution,omitempty"`
	FPS                 float64           `json:"fps,omitempty"`
	FileSizeBytes       int64             `json:"file_size_bytes,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Status               VideoStatus      `json:"status"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	TemporalFeaturesPath string           `json:"temporal_features_path,omitempty"`
	ThumbnailURL        string            `json:"thumbnail_url,omitempty"`
	ProcessingTimeMS    int64             `json:"processing_time_ms,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	IndexedAt           *time.Time        `json:"indexed_at,omitempty"`
}

// VideoStatus mirrors a video's indexing state machine.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// JobStatus mirrors the batch/job bookkeeping state machine.
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IndexingJob tracks a batch indexing request across many videos.
type IndexingJob struct {
	JobID        string            `json:"job_id"`
	TotalVideos  int               `json:"total_videos"`
	Completed    int               `json:"completed"`
	Failed       int               `json:"failed"`
	Status       JobStatus         `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Progress returns the job's completion fraction in [0,1].
// Completed+Failed never exceeds TotalVideos.
func (j *IndexingJob) Progress() float64 {
	if j.TotalVideos <= 0 {
		return 0
	}
	done := j.Completed + j.Failed
	if done > j.TotalVideos {
		done = j.TotalVideos
	}
	return float64(done) / float64(j.TotalVideos)
}

// ETASeconds estimates remaining time from elapsed progress, or -1 when it
// cannot be estimated (job not started, or nothing done yet).
func (j *IndexingJob) ETASeconds(now time.Time) float64 {
	if j.StartedAt == nil {
		return -1
	}
	done := j.Completed + j.Failed
	if done <= 0 {
		return -1
	}
	remaining := j.TotalVideos - done
	if remaining <= 0 {
		return 0
	}
	elapsed := now.Sub(*j.StartedAt).Seconds()
	return elapsed * float64(remaining) / float64(done)
}

// SearchQueryLog records one search invocation for analytics, per C4.
type SearchQueryLog struct {
	QueryID           string            `json:"query_id"`
	UserID            string            `json:"user_id,omitempty"`
	QueryVideoURL     string            `json:"query_video_url,omitempty"`
	Filters           map[string]string `json:"filters,omitempty"`
	NumResults        int               `json:"num_results"`
	ProcessingTimeMS  int64             `json:"processing_time_ms"`
	CreatedAt         time.Time         `json:"created_at"`
}

// SearchClickLog records a click on a search result for audit purposes.
type SearchClickLog struct {
	ID              int64     `json:"id"`
	QueryID         string    `json:"query_id"`
	ResultVideoID   string    `json:"result_video_id"`
	Rank            int       `json:"rank"`
	SimilarityScore float32   `json:"similarity_score"`
	ClickedAt       time.Time `json:"clicked_at"`
}

// GlobalVector is the L2-normalized whole-video embedding stored in C2.
type GlobalVector struct {
	VideoID   string
	Embedding []float32
}

// TemporalMatrix is the unnormalized per-timestep embedding matrix stored in
// C3, shape [T][D].
type TemporalMatrix struct {
	VideoID string
	Shape   [2]int
	Data    [][]float32
}

// EncodeResult is what C1's encoder gateway returns for one video.
type EncodeResult struct {
	Global          []float32
	Temporal        [][]float32
	ProcessingMS    float64
}

// QueryCacheEntry is the cached outcome of encoding a query video, keyed by
// fingerprint in C5.
type QueryCacheEntry struct {
	Fingerprint string
	Global      []float32
	Temporal    [][]float32
	SizeBytes   int64
}

// BaselineStatistics holds the per-video or per-corpus baseline used by C9.
type BaselineStatistics struct {
	VideoID      string
	MeanVariance []float32
	StdVariance  []float32
	MeanMotion   float32
	StdMotion    float32
	SampleCount  int
}

// SearchResult is one ranked hit returned by the search pipeline (C8).
type SearchResult struct {
	VideoID      string
	SimilarityScore float32
	GlobalScore     float32
	TemporalScore   float32
	Video        *Video
}

// AnomalyWindow is one flagged interval from windowed anomaly detection.
type AnomalyWindow struct {
	StartTime     float64
	EndTime       float64
	MotionZScore  float32
}

// AnomalyResult is the outcome of scoring a single video against a baseline.
type AnomalyResult struct {
	VideoID         string
	MotionZScore    float32
	VarianceZScore  float32
	AnomalyScore    float32
	IsAnomaly       bool
	ConfidencePct   float32
}

// NormalComparison is one neighbor returned by CompareToNormal, annotated
// with an interpretation bucket.
type NormalComparison struct {
	VideoID        string
	SimilarityScore float32
	Interpretation string
}
