// Command gc runs a single garbage-collection reconciliation pass on demand,
// for operators who don't want to wait for the indexer's own startup pass.
package main

import (
	"context"
	"flag"

	"github.com/motionmatch/engine/internal/config"
	"github.com/motionmatch/engine/internal/gc"
	"github.com/motionmatch/engine/internal/logging"
	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	ctx := context.Background()

	vectors, err := vectorindex.Open(ctx, cfg.Store.VectorDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector index")
	}
	defer vectors.Close()

	temporal, err := temporalstore.New(cfg.Storage.Root+"/temporal_features", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open temporal store")
	}

	meta, err := metadata.Open(ctx, cfg.Store.MetadataDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open metadata store")
	}
	defer meta.Close()

	collector := gc.New(vectors, temporal, meta, log)
	report, err := collector.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("gc pass failed")
	}

	log.Info().
		Int("orphaned_temporal_files", report.OrphanedTemporalFiles).
		Int("orphaned_vector_rows", report.OrphanedVectorRows).
		Int("stuck_processing_videos", report.StuckProcessingVideos).
		Msg("gc pass complete")
}
