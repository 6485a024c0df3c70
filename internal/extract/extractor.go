// Package extract turns studio rosters into vetted scrape candidates.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// Extractor lists a studio's profiles and filters them against the
// denylist before anything reaches the queue. The gate is consulted
// fresh for every studio; if it cannot answer, the whole extraction
// fails rather than letting unvetted candidates through.
type Extractor struct {
	catalog       pipeline.Catalog
	gate          *denylist.Gate
	minConfidence float64
	logger        *zap.Logger
}

// NewExtractor constructs an Extractor. Candidates below minConfidence
// are dropped as likely mismatches.
func NewExtractor(catalog pipeline.Catalog, gate *denylist.Gate, minConfidence float64, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		catalog:       catalog,
		gate:          gate,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Extract returns the studio's candidates that pass the denylist and
// confidence checks.
func (e *Extractor) Extract(ctx context.Context, studio pipeline.Studio) ([]pipeline.Candidate, error) {
	candidates, err := e.catalog.ListProfiles(ctx, studio)
	if err != nil {
		return nil, fmt.Errorf("list profiles for studio %s: %w", studio.ID, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	blocked, err := e.gate.SnapshotApproved(ctx)
	if err != nil {
		// Fail closed: no denylist answer means no candidates.
		return nil, fmt.Errorf("denylist snapshot for studio %s: %w", studio.ID, err)
	}

	out := make([]pipeline.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if blocked[candidate.ArtistID] {
			metrics.ObserveDenylistDrop("extract")
			e.logger.Info("dropped denylisted candidate",
				zap.String("artist_id", candidate.ArtistID),
				zap.String("studio_id", studio.ID))
			continue
		}
		if candidate.Confidence < e.minConfidence {
			e.logger.Debug("dropped low-confidence candidate",
				zap.String("artist_id", candidate.ArtistID),
				zap.Float64("confidence", candidate.Confidence))
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}
