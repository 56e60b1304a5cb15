package gc

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

func newTestCollector(t *testing.T) (*Collector, *metadata.Store, *vectorindex.Store, *temporalstore.Store) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
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

	meta, err := metadata.Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vectors, err := vectorindex.Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	temporal, err := temporalstore.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	return New(vectors, temporal, meta, zerolog.Nop()), meta, vectors, temporal
}

func TestRunDeletesOrphanedTemporalFile(t *testing.T) {
	c, meta, _, temporal := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, temporal.Put("orphan", [][]float32{{1, 2}, {3, 4}}))
	require.NoError(t, meta.UpsertVideo(ctx, &models.Video{VideoID: "orphan", VideoURL: "x", Status: models.VideoStatusFailed}))

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedTemporalFiles)

	_, err = temporal.Get("orphan")
	assert.Error(t, err)
}

func TestRunKeepsTemporalFileForCompletedVideo(t *testing.T) {
	c, meta, _, temporal := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, temporal.Put("vid-ok", [][]float32{{1, 2}}))
	require.NoError(t, meta.UpsertVideo(ctx, &models.Video{VideoID: "vid-ok", VideoURL: "x", Status: models.VideoStatusCompleted}))

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrphanedTemporalFiles)

	_, err = temporal.Get("vid-ok")
	assert.NoError(t, err)
}

func TestRunDeletesOrphanedVectorRow(t *testing.T) {
	c, meta, vectors, _ := newTestCollector(t)
	ctx := context.Background()

	embedding := make([]float32, vectorindex.EmbeddingDimension)
	embedding[0] = 1
	require.NoError(t, vectors.Insert(ctx, "dangling", embedding, "p.mp4", 1, nil))
	require.NoError(t, meta.UpsertVideo(ctx, &models.Video{VideoID: "dangling", VideoURL: "x", Status: models.VideoStatusFailed}))

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedVectorRows)

	exists, err := vectors.Exists(ctx, "dangling")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunResetsStuckProcessingVideo(t *testing.T) {
	c, meta, _, _ := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, meta.UpsertVideo(ctx, &models.Video{VideoID: "stuck", VideoURL: "x", Status: models.VideoStatusProcessing}))

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StuckProcessingVideos)

	got, err := meta.GetVideo(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, got.Status)
}

func TestRunIsNoOpWhenNothingToReconcile(t *testing.T) {
	c, _, _, _ := newTestCollector(t)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}
