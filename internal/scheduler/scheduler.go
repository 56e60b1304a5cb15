// Package scheduler implements the C7 Job Scheduler: batch/job bookkeeping
// on top of C4's indexing_jobs table, enqueuing per-video tasks through
// asynq with priority queues and exponential retry backoff.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/indexing"
	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
)

func marshalPayload(p indexing.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, models.NewError(models.KindInternal, "marshal index payload", err)
	}
	return data, nil
}

// Scheduler submits batch indexing jobs and tracks their progress.
type Scheduler struct {
	meta   *metadata.Store
	client *asynq.Client
	log    zerolog.Logger
}

// New builds a Scheduler backed by an asynq client connected to redisURL.
func New(meta *metadata.Store, redisURL string, log zerolog.Logger) (*Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, models.NewError(models.KindInternal, "parse redis uri", err)
	}
	return &Scheduler{
		meta:   meta,
		client: asynq.NewClient(opt),
		log:    log,
	}, nil
}

// Close releases the asynq client.
func (s *Scheduler) Close() error {
	return s.client.Close()
}

// VideoRequest is one video to index within a batch job.
type VideoRequest struct {
	VideoID  string
	VideoURL string
	Tags     []string
}

// SubmitBatch creates a job record, then enqueues one indexing task per
// video. The job row is created first so a task that starts running before
// every task in the batch is enqueued still finds bookkeeping in place. A
// batch with no videos has nothing to enqueue and CreateJob marks it
// completed immediately.
func (s *Scheduler) SubmitBatch(ctx context.Context, requests []VideoRequest) (*models.IndexingJob, error) {
	job := &models.IndexingJob{
		JobID:       uuid.NewString(),
		TotalVideos: len(requests),
		Status:      models.JobStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := s.meta.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return job, nil
	}

	for _, req := range requests {
		payload := indexing.Payload{
			JobID:    job.JobID,
			VideoID:  req.VideoID,
			VideoURL: req.VideoURL,
			Tags:     req.Tags,
		}
		data, err := marshalPayload(payload)
		if err != nil {
			return job, err
		}

		task := asynq.NewTask(indexing.TaskTypeIndexVideo, data)
		queue := queueForPriority(len(requests))
		if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(queue)); err != nil {
			return job, models.NewError(models.KindResourceError, "enqueue index task", err)
		}
	}

	return job, nil
}

// queueForPriority routes small batches to the critical queue and large
// batches to default, using the three-queue split (critical/default/low)
// without hardcoding a priority field per video.
func queueForPriority(batchSize int) string {
	if batchSize <= 5 {
		return "motionmatch:critical"
	}
	return "motionmatch:default"
}

// GetJob fetches a job's current bookkeeping state, including derived
// progress and ETA.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (*models.IndexingJob, float64, float64, error) {
	job, err := s.meta.GetJob(ctx, jobID)
	if err != nil {
		return nil, 0, 0, err
	}
	return job, job.Progress(), job.ETASeconds(time.Now()), nil
}

// CancelJob marks a job cancelled. In-flight tasks run to completion; only
// queued bookkeeping is affected.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	return s.meta.CancelJob(ctx, jobID)
}

// OnVideoCompleted reports a single video's outcome back into job
// bookkeeping, preserving completed+failed <= total.
func (s *Scheduler) OnVideoCompleted(ctx context.Context, jobID string, succeeded bool) error {
	completedDelta, failedDelta := 1, 0
	if !succeeded {
		completedDelta, failedDelta = 0, 1
	}
	return s.meta.UpdateJobProgress(ctx, jobID, completedDelta, failedDelta)
}
