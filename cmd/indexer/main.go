// Command indexer wires together the stores, the encoder gateway, and the
// asynq consumer, and runs until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/motionmatch/engine/internal/config"
	"github.com/motionmatch/engine/internal/encoder"
	"github.com/motionmatch/engine/internal/gc"
	"github.com/motionmatch/engine/internal/indexing"
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
	log.Info().Msg("starting motionmatch indexer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	enc := encoder.New(encoder.Config{
		BaseURL: cfg.Encoder.URL,
		Model:   cfg.Encoder.Model,
		Timeout: cfg.Encoder.Timeout,
	}, log)

	collector := gc.New(vectors, temporal, meta, log)
	if report, err := collector.Run(ctx); err != nil {
		log.Error().Err(err).Msg("startup gc pass failed")
	} else {
		log.Info().
			Int("orphaned_temporal_files", report.OrphanedTemporalFiles).
			Int("orphaned_vector_rows", report.OrphanedVectorRows).
			Int("stuck_processing_videos", report.StuckProcessingVideos).
			Msg("startup gc pass complete")
	}

	pipeline := indexing.New(enc, vectors, temporal, meta, indexing.DownloaderConfig{TempDir: cfg.Storage.TempDir}, log)
	consumer, err := indexing.NewConsumer(indexing.ConsumerConfig{
		RedisURL:    cfg.Broker.RedisURL,
		Concurrency: cfg.Broker.Concurrency,
		MaxRetries:  cfg.Broker.MaxRetries,
	}, pipeline, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build indexing consumer")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		consumer.Stop()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("indexing consumer exited with error")
		}
	}
}
