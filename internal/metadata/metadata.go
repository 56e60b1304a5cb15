// Package metadata implements the C4 Metadata Store: relational bookkeeping
// for videos, indexing jobs, and search/click logs, grounded directly on the
// teacher's storage_manager.go schema-and-transaction idiom.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/models"
)

// Store wraps a Postgres connection holding the metadata schema.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to dsn, tunes the pool, and ensures the schema exists.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "open metadata connection", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, models.NewError(models.KindResourceError, "ping metadata store", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE SCHEMA IF NOT EXISTS motionmatch;

CREATE TABLE IF NOT EXISTS motionmatch.videos (
	video_id                text PRIMARY KEY,
	video_url               text NOT NULL,
	title                   text NOT NULL DEFAULT '',
	duration                double precision NOT NULL DEFAULT 0,
	resolution              text NOT NULL DEFAULT '',
	fps                     double precision NOT NULL DEFAULT 0,
	file_size_bytes         bigint NOT NULL DEFAULT 0,
	tags                    text[] NOT NULL DEFAULT '{}',
	status                  text NOT NULL DEFAULT 'pending',
	error_message           text NOT NULL DEFAULT '',
	temporal_features_path  text NOT NULL DEFAULT '',
	thumbnail_url           text NOT NULL DEFAULT '',
	processing_time_ms      bigint NOT NULL DEFAULT 0,
	created_at              timestamptz NOT NULL DEFAULT now(),
	indexed_at              timestamptz
);

CREATE TABLE IF NOT EXISTS motionmatch.indexing_jobs (
	job_id        text PRIMARY KEY,
	total_videos  integer NOT NULL DEFAULT 0,
	completed     integer NOT NULL DEFAULT 0,
	failed        integer NOT NULL DEFAULT 0,
	status        text NOT NULL DEFAULT 'queued',
	error_message text NOT NULL DEFAULT '',
	created_at    timestamptz NOT NULL DEFAULT now(),
	started_at    timestamptz,
	completed_at  timestamptz
);

CREATE TABLE IF NOT EXISTS motionmatch.search_queries (
	query_id            text PRIMARY KEY,
	user_id             text NOT NULL DEFAULT '',
	query_video_url     text NOT NULL DEFAULT '',
	num_results         integer NOT NULL DEFAULT 0,
	processing_time_ms  bigint NOT NULL DEFAULT 0,
	created_at          timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS motionmatch.search_clicks (
	id                 bigserial PRIMARY KEY,
	query_id           text NOT NULL REFERENCES motionmatch.search_queries(query_id) ON DELETE CASCADE,
	result_video_id    text NOT NULL,
	rank               integer NOT NULL,
	similarity_score   real NOT NULL,
	clicked_at         timestamptz NOT NULL DEFAULT now()
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return models.NewError(models.KindResourceError, "initialize metadata schema", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const maxConflictRetries = 3

// isRetryableConflict reports whether a write can be retried after a
// unique-violation or serialization failure. Retries are capped at
// maxConflictRetries.
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation", "serialization_failure", "deadlock_detected":
			return true
		}
	}
	return false
}

// UpsertVideo inserts or updates a video row, idempotent by video-id.
func (s *Store) UpsertVideo(ctx context.Context, v *models.Video) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.upsertVideoOnce(ctx, v)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableConflict(err) {
			return models.NewError(models.KindResourceError, "upsert video", err)
		}
	}
	return models.NewError(models.KindConflict, "upsert video exhausted retries", lastErr)
}

func (s *Store) upsertVideoOnce(ctx context.Context, v *models.Video) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
INSERT INTO motionmatch.videos
	(video_id, video_url, title, duration, resolution, fps, file_size_bytes, tags, status, error_message, temporal_features_path, thumbnail_url, processing_time_ms, indexed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (video_id) DO UPDATE SET
	video_url = EXCLUDED.video_url,
	title = EXCLUDED.title,
	duration = EXCLUDED.duration,
	resolution = EXCLUDED.resolution,
	fps = EXCLUDED.fps,
	file_size_bytes = EXCLUDED.file_size_bytes,
	tags = EXCLUDED.tags,
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message,
	temporal_features_path = EXCLUDED.temporal_features_path,
	thumbnail_url = EXCLUDED.thumbnail_url,
	processing_time_ms = EXCLUDED.processing_time_ms,
	indexed_at = EXCLUDED.indexed_at
`
	_, err = tx.ExecContext(ctx, q, v.VideoID, v.VideoURL, v.Title, v.Duration, v.Resolution, v.FPS,
		v.FileSizeBytes, pq.Array(v.Tags), string(v.Status), v.ErrorMessage, v.TemporalFeaturesPath,
		v.ThumbnailURL, v.ProcessingTimeMS, v.IndexedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetVideoStatus transitions a video's status within its own transaction.
func (s *Store) SetVideoStatus(ctx context.Context, videoID string, status models.VideoStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewError(models.KindResourceError, "begin status transition", err)
	}
	defer tx.Rollback()

	var indexedAtExpr string
	if status == models.VideoStatusCompleted {
		indexedAtExpr = "now()"
	} else {
		indexedAtExpr = "indexed_at"
	}
	q := fmt.Sprintf(`UPDATE motionmatch.videos SET status=$1, error_message=$2, indexed_at=%s WHERE video_id=$3`, indexedAtExpr)
	if _, err := tx.ExecContext(ctx, q, string(status), errMsg, videoID); err != nil {
		return models.NewError(models.KindResourceError, "update video status", err)
	}
	if err := tx.Commit(); err != nil {
		return models.NewError(models.KindResourceError, "commit status transition", err)
	}
	return nil
}

// GetVideo fetches a video by id.
func (s *Store) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	const q = `
SELECT video_id, video_url, title, duration, resolution, fps, file_size_bytes, tags, status,
       error_message, temporal_features_path, thumbnail_url, processing_time_ms, created_at, indexed_at
FROM motionmatch.videos WHERE video_id = $1
`
	row := s.db.QueryRowContext(ctx, q, videoID)
	v := &models.Video{}
	var status string
	var indexedAt sql.NullTime
	err := row.Scan(&v.VideoID, &v.VideoURL, &v.Title, &v.Duration, &v.Resolution, &v.FPS,
		&v.FileSizeBytes, pq.Array(&v.Tags), &status, &v.ErrorMessage, &v.TemporalFeaturesPath,
		&v.ThumbnailURL, &v.ProcessingTimeMS, &v.CreatedAt, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "video not found", err)
	}
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "get video", err)
	}
	v.Status = models.VideoStatus(status)
	if indexedAt.Valid {
		v.IndexedAt = &indexedAt.Time
	}
	return v, nil
}

// CreateJob inserts a new indexing job row.
// CreateJob inserts a new job row. A job submitted with zero videos has
// nothing left to do and is created already completed rather than stuck
// queued forever.
func (s *Store) CreateJob(ctx context.Context, job *models.IndexingJob) error {
	if job.TotalVideos == 0 {
		job.Status = models.JobStatusCompleted
		const q = `
INSERT INTO motionmatch.indexing_jobs (job_id, total_videos, completed, failed, status, started_at, completed_at)
VALUES ($1, 0, 0, 0, $2, now(), now())
`
		if _, err := s.db.ExecContext(ctx, q, job.JobID, string(job.Status)); err != nil {
			return models.NewError(models.KindResourceError, "create job", err)
		}
		return nil
	}

	const q = `
INSERT INTO motionmatch.indexing_jobs (job_id, total_videos, completed, failed, status)
VALUES ($1, $2, $3, $4, $5)
`
	_, err := s.db.ExecContext(ctx, q, job.JobID, job.TotalVideos, job.Completed, job.Failed, string(job.Status))
	if err != nil {
		return models.NewError(models.KindResourceError, "create job", err)
	}
	return nil
}

// UpdateJobProgress atomically increments completed/failed counters and
// recomputes status, never letting completed+failed exceed total_videos.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewError(models.KindResourceError, "begin job update", err)
	}
	defer tx.Rollback()

	var total, completed, failed int
	var status string
	var startedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT total_videos, completed, failed, status, started_at FROM motionmatch.indexing_jobs WHERE job_id=$1 FOR UPDATE`, jobID).
		Scan(&total, &completed, &failed, &status, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewError(models.KindNotFound, "job not found", err)
	}
	if err != nil {
		return models.NewError(models.KindResourceError, "read job for update", err)
	}

	completed += completedDelta
	failed += failedDelta
	if completed+failed > total {
		return models.NewError(models.KindInternal, "job accounting invariant violated: completed+failed > total", nil)
	}

	newStatus := status
	var startedSet, completedSet bool
	if !startedAt.Valid && (completed+failed) > 0 {
		startedSet = true
		newStatus = string(models.JobStatusProcessing)
	}
	if completed+failed == total && total > 0 {
		completedSet = true
		if failed > 0 {
			newStatus = string(models.JobStatusCompletedWithErrors)
		} else {
			newStatus = string(models.JobStatusCompleted)
		}
	}

	q := `UPDATE motionmatch.indexing_jobs SET completed=$1, failed=$2, status=$3`
	args := []interface{}{completed, failed, newStatus}
	n := 4
	if startedSet {
		q += ", started_at=now()"
	}
	if completedSet {
		q += ", completed_at=now()"
	}
	q += fmt.Sprintf(" WHERE job_id=$%d", n)
	args = append(args, jobID)

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return models.NewError(models.KindResourceError, "update job progress", err)
	}
	if err := tx.Commit(); err != nil {
		return models.NewError(models.KindResourceError, "commit job update", err)
	}
	return nil
}

// GetJob fetches a job by id, including derived progress and ETA.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.IndexingJob, error) {
	const q = `
SELECT job_id, total_videos, completed, failed, status, error_message, created_at, started_at, completed_at
FROM motionmatch.indexing_jobs WHERE job_id = $1
`
	row := s.db.QueryRowContext(ctx, q, jobID)
	j := &models.IndexingJob{}
	var status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.JobID, &j.TotalVideos, &j.Completed, &j.Failed, &status, &j.ErrorMessage, &j.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "job not found", err)
	}
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "get job", err)
	}
	j.Status = models.JobStatus(status)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

// CancelJob marks a job cancelled. In-flight tasks run to completion; this
// only affects bookkeeping for queued work.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE motionmatch.indexing_jobs SET status=$1 WHERE job_id=$2 AND status IN ('queued','processing')`,
		string(models.JobStatusCancelled), jobID)
	if err != nil {
		return models.NewError(models.KindResourceError, "cancel job", err)
	}
	return nil
}

// LogSearchQuery appends a search-query audit row.
func (s *Store) LogSearchQuery(ctx context.Context, q *models.SearchQueryLog) error {
	const stmt = `
INSERT INTO motionmatch.search_queries (query_id, user_id, query_video_url, num_results, processing_time_ms)
VALUES ($1, $2, $3, $4, $5)
`
	_, err := s.db.ExecContext(ctx, stmt, q.QueryID, q.UserID, q.QueryVideoURL, q.NumResults, q.ProcessingTimeMS)
	if err != nil {
		return models.NewError(models.KindResourceError, "log search query", err)
	}
	return nil
}

// LogSearchClick appends a click audit row.
func (s *Store) LogSearchClick(ctx context.Context, c *models.SearchClickLog) error {
	const stmt = `
INSERT INTO motionmatch.search_clicks (query_id, result_video_id, rank, similarity_score)
VALUES ($1, $2, $3, $4)
`
	_, err := s.db.ExecContext(ctx, stmt, c.QueryID, c.ResultVideoID, c.Rank, c.SimilarityScore)
	if err != nil {
		return models.NewError(models.KindResourceError, "log search click", err)
	}
	return nil
}

// ListVideoIDsByStatus returns video ids with the given status, used by the
// garbage collector and job reconciliation.
func (s *Store) ListVideoIDsByStatus(ctx context.Context, status models.VideoStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT video_id FROM motionmatch.videos WHERE status = $1`, string(status))
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "list videos by status", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, models.NewError(models.KindResourceError, "scan video id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAllVideoIDs returns every known video id, used by the garbage
// collector to find storage-layer orphans.
func (s *Store) ListAllVideoIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT video_id FROM motionmatch.videos`)
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "list all video ids", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, models.NewError(models.KindResourceError, "scan video id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
