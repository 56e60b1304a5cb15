// Package indexing implements the C6 Indexing Pipeline: the nine-step
// commit sequence that turns a video URL or path into vector, temporal, and
// metadata records, driven by an asynq task handler.
package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/mathx"
	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

// TaskTypeIndexVideo is the asynq task type name for a single-video index
// job.
const TaskTypeIndexVideo = "motionmatch:index_video"

// Payload is the task payload enqueued for one video.
type Payload struct {
	JobID     string   `json:"job_id"`
	VideoID   string   `json:"video_id"`
	VideoURL  string   `json:"video_url"`
	Tags      []string `json:"tags,omitempty"`
}

// Encoder is the subset of the C1 gateway the pipeline needs.
type Encoder interface {
	Encode(ctx context.Context, videoPath string) (*models.EncodeResult, error)
}

// Pipeline drives the nine-step commit sequence for one video.
type Pipeline struct {
	encoder    Encoder
	vectors    *vectorindex.Store
	temporal   *temporalstore.Store
	meta       *metadata.Store
	downloader *sourceDownloader
	log        zerolog.Logger
}

// DownloaderConfig configures the pipeline's remote-source fetcher.
type DownloaderConfig struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	MaxFileSize int64
	TempDir     string
}

// New builds a Pipeline.
func New(encoder Encoder, vectors *vectorindex.Store, temporal *temporalstore.Store, meta *metadata.Store, dlCfg DownloaderConfig, log zerolog.Logger) *Pipeline {
	downloader := newSourceDownloader(downloaderConfig{
		MaxRetries:  dlCfg.MaxRetries,
		RetryDelay:  dlCfg.RetryDelay,
		Timeout:     dlCfg.Timeout,
		MaxFileSize: dlCfg.MaxFileSize,
		TempDir:     dlCfg.TempDir,
	})
	return &Pipeline{encoder: encoder, vectors: vectors, temporal: temporal, meta: meta, downloader: downloader, log: log}
}

// ProcessTask implements asynq.HandlerFunc, unmarshalling the payload and
// running the commit sequence.
func (p *Pipeline) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: unmarshal index payload: %v", asynq.SkipRetry, err)
	}

	err := p.IndexVideo(ctx, payload)
	if err == nil {
		return nil
	}

	if !models.IsRetryable(err) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// IndexVideo runs the nine-step commit sequence:
//  1. skip re-encode if already completed (skip_if_exists)
//  2. create/update video row, status -> processing
//  3. download if the source is a URL
//  4. validate the local file exists and is non-empty
//  5. encode (global + temporal)
//  6. store the temporal matrix in the temporal store (atomic write)
//  7. store the global embedding in the vector index (idempotent upsert)
//  8. update metadata with processing time, temporal features path and
//     status -> completed; video duration is not measured, so both the
//     metadata row and the vector index record a duration of 0
//  9. clean up any downloaded temp file
//
// Steps 6 and 7 commit in that order because the temporal store is the
// cheapest of the three to garbage-collect if a later step fails.
func (p *Pipeline) IndexVideo(ctx context.Context, payload Payload) error {
	start := time.Now()

	existing, err := p.meta.GetVideo(ctx, payload.VideoID)
	if err == nil && existing.Status == models.VideoStatusCompleted {
		p.log.Debug().Str("video_id", payload.VideoID).Msg("skip_if_exists: video already completed")
		return nil
	}

	video := &models.Video{
		VideoID:  payload.VideoID,
		VideoURL: payload.VideoURL,
		Tags:     payload.Tags,
		Status:   models.VideoStatusProcessing,
	}
	if err := p.meta.UpsertVideo(ctx, video); err != nil {
		return err
	}

	localPath := payload.VideoURL
	var cleanupPath string
	if isRemoteURL(payload.VideoURL) {
		downloaded, err := p.downloader.fetch(ctx, payload.VideoURL, payload.JobID)
		if err != nil {
			p.failVideo(ctx, payload.VideoID, "download failed: "+err.Error())
			return err
		}
		localPath = downloaded
		cleanupPath = downloaded
	}
	if cleanupPath != "" {
		defer p.downloader.cleanup(cleanupPath)
	}

	if info, statErr := os.Stat(localPath); statErr != nil || info.Size() == 0 {
		p.failVideo(ctx, payload.VideoID, "source file missing or empty")
		return models.NewError(models.KindDecodeError, "source file missing or empty: "+localPath, statErr)
	}

	encoded, err := p.encoder.Encode(ctx, localPath)
	if err != nil {
		p.failVideo(ctx, payload.VideoID, "encode failed: "+err.Error())
		return err
	}

	if len(encoded.Temporal) > 0 {
		if err := p.temporal.Put(payload.VideoID, encoded.Temporal); err != nil {
			p.failVideo(ctx, payload.VideoID, "temporal store failed: "+err.Error())
			return err
		}
	}

	globalVec := mathx.Normalize(encoded.Global)
	if err := p.vectors.Insert(ctx, payload.VideoID, globalVec, localPath, 0, payload.Tags); err != nil {
		p.failVideo(ctx, payload.VideoID, "vector insert failed: "+err.Error())
		return err
	}

	completed := models.VideoStatusCompleted
	video.Status = completed
	video.ProcessingTimeMS = time.Since(start).Milliseconds()
	if len(encoded.Temporal) > 0 {
		video.TemporalFeaturesPath = payload.VideoID + "_temporal.bin"
	}
	if err := p.meta.UpsertVideo(ctx, video); err != nil {
		return err
	}

	return nil
}

func (p *Pipeline) failVideo(ctx context.Context, videoID, reason string) {
	if err := p.meta.SetVideoStatus(ctx, videoID, models.VideoStatusFailed, reason); err != nil {
		p.log.Error().Err(err).Str("video_id", videoID).Msg("failed to record video failure status")
	}
}

func isRemoteURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}
