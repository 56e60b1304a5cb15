package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsComplete(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 64, cfg.Encoder.TemporalSteps)
	assert.Equal(t, 200, cfg.Search.CandidateFanOut)
	assert.Equal(t, 50, cfg.Search.RerankFanOut)
	assert.True(t, cfg.Features.BackgroundWorker)
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Encoder.URL, cfg.Encoder.URL)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("encoder:\n  url: http://encoder.internal:9000\n  temporal_steps: 32\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://encoder.internal:9000", cfg.Encoder.URL)
	assert.Equal(t, 32, cfg.Encoder.TemporalSteps)
	assert.Equal(t, "motionmatch-v1", cfg.Encoder.Model, "fields absent from the file should keep their default")
}

func TestLoadOverlaysEnvWithDoubleUnderscoreNesting(t *testing.T) {
	t.Setenv("MOTIONMATCH_ENCODER__URL", "http://override:8080")
	t.Setenv("MOTIONMATCH_ENCODER__TEMPORAL_STEPS", "48")
	t.Setenv("MOTIONMATCH_SEARCH__CANDIDATE_FAN_OUT", "500")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://override:8080", cfg.Encoder.URL)
	assert.Equal(t, 48, cfg.Encoder.TemporalSteps)
	assert.Equal(t, 500, cfg.Search.CandidateFanOut)
}

func TestLoadEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encoder:\n  url: http://from-file:9000\n"), 0o644))
	t.Setenv("MOTIONMATCH_ENCODER__URL", "http://from-env:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:9000", cfg.Encoder.URL)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}
