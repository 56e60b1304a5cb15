// Package config loads MotionMatch's configuration by layering built-in
// defaults, an optional YAML file, and environment variables, in that order,
// using koanf the way tomtom215's cartographus service does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EncoderConfig configures the C1 encoder gateway HTTP client.
type EncoderConfig struct {
	URL            string        `koanf:"url"`
	Model          string        `koanf:"model"`
	Device         string        `koanf:"device"`
	MixedPrecision bool          `koanf:"mixed_precision"`
	TemporalSteps  int           `koanf:"temporal_steps"` // T
	FrameSize      int           `koanf:"frame_size"`
	BatchSize      int           `koanf:"batch_size"`
	Timeout        time.Duration `koanf:"timeout"`
}

// StoreConfig configures the Postgres-backed C2/C4 stores.
type StoreConfig struct {
	VectorDSN   string `koanf:"vector_dsn"`
	MetadataDSN string `koanf:"metadata_dsn"`
}

// BrokerConfig configures the asynq/redis job queue (C6/C7).
type BrokerConfig struct {
	RedisURL    string `koanf:"redis_url"`
	Concurrency int    `koanf:"concurrency"`
	MaxRetries  int    `koanf:"max_retries"` // K_MAX
}

// StorageConfig configures filesystem roots for C3/C5.
type StorageConfig struct {
	Root           string `koanf:"root"`
	TempDir        string `koanf:"temp_dir"`
	CacheMemBudget int64  `koanf:"cache_mem_budget_bytes"`
	CacheDiskBudget int64 `koanf:"cache_disk_budget_bytes"`
}

// SearchConfig configures the C8 search pipeline's fan-out.
type SearchConfig struct {
	CandidateFanOut int `koanf:"candidate_fan_out"`
	RerankFanOut    int `koanf:"rerank_fan_out"`
}

// FeatureFlags toggles optional collaborators that live outside this
// module's internals but still need a dial.
type FeatureFlags struct {
	ShotSegmentation bool `koanf:"shot_segmentation"`
	ROIDetection     bool `koanf:"roi_detection"`
	BackgroundWorker bool `koanf:"background_worker"`
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// Config is the fully-resolved MotionMatch configuration.
type Config struct {
	Encoder  EncoderConfig  `koanf:"encoder"`
	Store    StoreConfig    `koanf:"store"`
	Broker   BrokerConfig   `koanf:"broker"`
	Storage  StorageConfig  `koanf:"storage"`
	Search   SearchConfig   `koanf:"search"`
	Features FeatureFlags   `koanf:"features"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// Default returns the baked-in defaults, before any file or env overlay.
func Default() *Config {
	return &Config{
		Encoder: EncoderConfig{
			URL:            "http://localhost:8090",
			Model:          "motionmatch-v1",
			Device:         "cpu",
			MixedPrecision: false,
			TemporalSteps:  64,
			FrameSize:      224,
			BatchSize:      16,
			Timeout:        120 * time.Second,
		},
		Store: StoreConfig{
			VectorDSN:   "postgres://localhost:5432/motionmatch?sslmode=disable",
			MetadataDSN: "postgres://localhost:5432/motionmatch?sslmode=disable",
		},
		Broker: BrokerConfig{
			RedisURL:    "redis://localhost:6379/0",
			Concurrency: 10,
			MaxRetries:  3,
		},
		Storage: StorageConfig{
			Root:            "/var/lib/motionmatch",
			TempDir:         "/tmp/motionmatch",
			CacheMemBudget:  256 * 1024 * 1024,
			CacheDiskBudget: 10 * 1024 * 1024 * 1024,
		},
		Search: SearchConfig{
			CandidateFanOut: 200,
			RerankFanOut:    50,
		},
		Features: FeatureFlags{
			ShotSegmentation: false,
			ROIDetection:     false,
			BackgroundWorker: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load layers a YAML config file (if path is non-empty and exists) and
// MOTIONMATCH_-prefixed environment variables over the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// MOTIONMATCH_ENCODER__URL -> encoder.url (double underscore separates
	// nesting levels so single-underscore field names like temporal_steps
	// survive the transform).
	envProvider := env.Provider("MOTIONMATCH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MOTIONMATCH_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
