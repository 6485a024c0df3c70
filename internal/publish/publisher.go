// Package publish turns vetted candidates into queued scrape jobs.
package publish

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Publisher enqueues scrape jobs with run-scoped idempotency keys. The
// same candidate submitted twice within a run resolves to one job:
// once through the local key set, and again at the queue for keys that
// slipped past a restarted publisher.
type Publisher struct {
	queue     pipeline.Queue
	idGen     pipeline.IDGenerator
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	batchSize int
	logger    *zap.Logger
}

// NewPublisher constructs a Publisher. batchSize controls ctx-check and
// logging cadence, not delivery semantics.
func NewPublisher(
	queue pipeline.Queue,
	idGen pipeline.IDGenerator,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	batchSize int,
	logger *zap.Logger,
) *Publisher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		queue:     queue,
		idGen:     idGen,
		hasher:    hasher,
		clock:     clock,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Publish enqueues one job per unique candidate and returns how many
// jobs were accepted by the queue.
func (p *Publisher) Publish(ctx context.Context, runID string, candidates []pipeline.Candidate) (int, error) {
	seen := make(map[string]bool, len(candidates))
	queued := 0
	for i, candidate := range candidates {
		if i%p.batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return queued, err
			}
		}

		key, err := p.hasher.Hash([]byte(candidate.ArtistID + ":" + runID))
		if err != nil {
			return queued, fmt.Errorf("derive idempotency key: %w", err)
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		jobID, err := p.idGen.NewID()
		if err != nil {
			return queued, fmt.Errorf("generate job id: %w", err)
		}
		job := pipeline.ScrapeJob{
			ID:             jobID,
			RunID:          runID,
			ArtistID:       candidate.ArtistID,
			StudioID:       candidate.StudioID,
			ProfileURL:     candidate.ProfileURL,
			IdempotencyKey: key,
			EnqueuedAt:     p.clock.Now(),
		}
		switch err := p.queue.Enqueue(ctx, job); {
		case errors.Is(err, pipeline.ErrDuplicateJob):
			p.logger.Debug("skipped duplicate job",
				zap.String("artist_id", candidate.ArtistID),
				zap.String("run_id", runID))
		case err != nil:
			return queued, fmt.Errorf("enqueue job for %s: %w", candidate.ArtistID, err)
		default:
			queued++
		}
	}
	p.logger.Info("published scrape jobs",
		zap.String("run_id", runID),
		zap.Int("candidates", len(candidates)),
		zap.Int("queued", queued))
	return queued, nil
}

// Flatten merges per-studio candidate lists into one slice, keeping a
// single entry per artist. When an artist appears on several rosters
// the highest-confidence listing wins.
func Flatten(groups [][]pipeline.Candidate) []pipeline.Candidate {
	best := make(map[string]pipeline.Candidate)
	var order []string
	for _, group := range groups {
		for _, candidate := range group {
			current, ok := best[candidate.ArtistID]
			if !ok {
				order = append(order, candidate.ArtistID)
				best[candidate.ArtistID] = candidate
				continue
			}
			if candidate.Confidence > current.Confidence {
				best[candidate.ArtistID] = candidate
			}
		}
	}
	out := make([]pipeline.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}
