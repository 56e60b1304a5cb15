// Package gc implements the garbage collector that reconciles the vector
// index (C2), temporal store (C3), and metadata store (C4) after partial
// indexing failures, cleaning up orphaned rows/files and resetting videos
// stuck mid-index back to a failed state.
package gc

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/metadata"
	"github.com/motionmatch/engine/internal/models"
	"github.com/motionmatch/engine/internal/temporalstore"
	"github.com/motionmatch/engine/internal/vectorindex"
)

// Collector reconciles the three stores.
type Collector struct {
	vectors  *vectorindex.Store
	temporal *temporalstore.Store
	meta     *metadata.Store
	log      zerolog.Logger
}

// New builds a Collector.
func New(vectors *vectorindex.Store, temporal *temporalstore.Store, meta *metadata.Store, log zerolog.Logger) *Collector {
	return &Collector{vectors: vectors, temporal: temporal, meta: meta, log: log}
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrphanedTemporalFiles int
	OrphanedVectorRows    int
	StuckProcessingVideos int
}

// Run performs a single reconciliation pass: any temporal file without a
// completed metadata row is deleted, any vector row whose video has a
// metadata row that is not completed is deleted (vector rows with no
// metadata row at all are not examined), and any video stuck in "processing" with no
// corresponding committed artifacts is reset to "failed" so it can be
// re-submitted. Safe to run on startup and on demand; re-running it when
// there is nothing to reconcile is a no-op.
func (c *Collector) Run(ctx context.Context) (Report, error) {
	var report Report

	completedIDs, err := c.meta.ListVideoIDsByStatus(ctx, models.VideoStatusCompleted)
	if err != nil {
		return report, err
	}
	completed := toSet(completedIDs)

	temporalIDs, err := c.temporal.ListVideoIDs()
	if err != nil {
		return report, err
	}
	for _, id := range temporalIDs {
		if !completed[id] {
			if err := c.temporal.Delete(id); err != nil {
				c.log.Warn().Err(err).Str("video_id", id).Msg("failed to delete orphaned temporal file")
				continue
			}
			report.OrphanedTemporalFiles++
		}
	}

	allIDs, err := c.meta.ListAllVideoIDs(ctx)
	if err != nil {
		return report, err
	}
	known := toSet(allIDs)
	for id := range known {
		if !completed[id] {
			exists, err := c.vectors.Exists(ctx, id)
			if err != nil {
				c.log.Warn().Err(err).Str("video_id", id).Msg("failed to check vector row during gc")
				continue
			}
			if exists {
				if err := c.vectors.Delete(ctx, id); err != nil {
					c.log.Warn().Err(err).Str("video_id", id).Msg("failed to delete orphaned vector row")
					continue
				}
				report.OrphanedVectorRows++
			}
		}
	}

	processingIDs, err := c.meta.ListVideoIDsByStatus(ctx, models.VideoStatusProcessing)
	if err != nil {
		return report, err
	}
	for _, id := range processingIDs {
		if err := c.meta.SetVideoStatus(ctx, id, models.VideoStatusFailed, "reconciled: stuck in processing"); err != nil {
			c.log.Warn().Err(err).Str("video_id", id).Msg("failed to reset stuck video")
			continue
		}
		report.StuckProcessingVideos++
	}

	return report, nil
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
