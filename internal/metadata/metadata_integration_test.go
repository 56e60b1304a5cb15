package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/motionmatch/engine/internal/models"
)

// newTestStore spins up a throwaway Postgres container the way
// tomtom215-cartographus's integration suite does, and skips the test
// outright when no container runtime is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("motionmatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("no container runtime available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertVideoIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &models.Video{VideoID: "vid-1", VideoURL: "https://example.com/a.mp4", Status: models.VideoStatusPending}
	require.NoError(t, s.UpsertVideo(ctx, v))
	v.Status = models.VideoStatusCompleted
	require.NoError(t, s.UpsertVideo(ctx, v))

	got, err := s.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusCompleted, got.Status)
}

func TestGetVideoNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetVideo(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestJobProgressNeverExceedsTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.IndexingJob{JobID: "job-1", TotalVideos: 2, Status: models.JobStatusQueued, CreatedAt: time.Now()}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobProgress(ctx, "job-1", 1, 0))
	require.NoError(t, s.UpdateJobProgress(ctx, "job-1", 0, 1))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, 1, got.Failed)
	assert.LessOrEqual(t, got.Completed+got.Failed, got.TotalVideos)
	assert.Equal(t, models.JobStatusCompletedWithErrors, got.Status)

	err = s.UpdateJobProgress(ctx, "job-1", 1, 0)
	require.Error(t, err)
	assert.Equal(t, models.KindInternal, models.KindOf(err))
}

func TestSearchQueryAndClickLogging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := &models.SearchQueryLog{QueryID: "q-1", NumResults: 3, ProcessingTimeMS: 120}
	require.NoError(t, s.LogSearchQuery(ctx, q))

	click := &models.SearchClickLog{QueryID: "q-1", ResultVideoID: "vid-9", Rank: 1, SimilarityScore: 0.93}
	require.NoError(t, s.LogSearchClick(ctx, click))
}
