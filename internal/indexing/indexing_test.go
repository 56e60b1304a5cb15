package indexing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

type fakeEncoder struct {
	result *models.EncodeResult
	err    error
	calls  int
}

func (f *fakeEncoder) Encode(ctx context.Context, videoPath string) (*models.EncodeResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestPipeline(t *testing.T, enc Encoder) (*Pipeline, *metadata.Store) {
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

	return New(enc, vectors, temporal, meta, DownloaderConfig{TempDir: t.TempDir()}, zerolog.Nop()), meta
}

func fakeGlobalEmbedding() []float32 {
	v := make([]float32, vectorindex.EmbeddingDimension)
	v[0] = 3
	v[1] = 4
	return v
}

func localVideoFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not-really-a-video"), 0o644))
	return path
}

func TestIndexVideoCommitsAllThreeStores(t *testing.T) {
	enc := &fakeEncoder{result: &models.EncodeResult{
		Global:   fakeGlobalEmbedding(),
		Temporal: [][]float32{{0.1, 0.2}, {0.3, 0.4}},
	}}
	pipeline, meta := newTestPipeline(t, enc)
	ctx := context.Background()

	path := localVideoFile(t)
	err := pipeline.IndexVideo(ctx, Payload{JobID: "job-1", VideoID: "vid-1", VideoURL: path})
	require.NoError(t, err)

	video, err := meta.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusCompleted, video.Status)

	exists, err := pipeline.vectors.Exists(ctx, "vid-1")
	require.NoError(t, err)
	assert.True(t, exists)

	matrix, err := pipeline.temporal.Get("vid-1")
	require.NoError(t, err)
	assert.Len(t, matrix, 2)
}

func TestIndexVideoSkipsReencodeWhenAlreadyCompleted(t *testing.T) {
	enc := &fakeEncoder{result: &models.EncodeResult{Global: fakeGlobalEmbedding()}}
	pipeline, meta := newTestPipeline(t, enc)
	ctx := context.Background()

	path := localVideoFile(t)
	payload := Payload{JobID: "job-1", VideoID: "vid-2", VideoURL: path}
	require.NoError(t, pipeline.IndexVideo(ctx, payload))
	assert.Equal(t, 1, enc.calls)

	require.NoError(t, pipeline.IndexVideo(ctx, payload))
	assert.Equal(t, 1, enc.calls, "already-completed video should not be re-encoded")

	video, err := meta.GetVideo(ctx, "vid-2")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusCompleted, video.Status)
}

func TestIndexVideoMarksFailedOnEncodeError(t *testing.T) {
	enc := &fakeEncoder{err: models.NewError(models.KindEncoderError, "encoder down", nil)}
	pipeline, meta := newTestPipeline(t, enc)
	ctx := context.Background()

	path := localVideoFile(t)
	err := pipeline.IndexVideo(ctx, Payload{JobID: "job-1", VideoID: "vid-3", VideoURL: path})
	require.Error(t, err)

	video, getErr := meta.GetVideo(ctx, "vid-3")
	require.NoError(t, getErr)
	assert.Equal(t, models.VideoStatusFailed, video.Status)
}

func TestProcessTaskSkipsRetryOnNonRetryableError(t *testing.T) {
	enc := &fakeEncoder{err: models.NewError(models.KindDecodeError, "corrupt file", nil)}
	pipeline, _ := newTestPipeline(t, enc)
	ctx := context.Background()

	path := localVideoFile(t)
	data, err := json.Marshal(Payload{JobID: "job-1", VideoID: "vid-4", VideoURL: path})
	require.NoError(t, err)

	task := asynq.NewTask(TaskTypeIndexVideo, data)
	err = pipeline.ProcessTask(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestIsRemoteURL(t *testing.T) {
	assert.True(t, isRemoteURL("http://example.com/a.mp4"))
	assert.True(t, isRemoteURL("https://example.com/a.mp4"))
	assert.False(t, isRemoteURL("/local/path/a.mp4"))
	assert.False(t, isRemoteURL(""))
}
