// Package sync replays primary store changes into the search index.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// Worker consumes one shard of the change feed and applies each event
// to the search index. Events are applied independently: a failing
// record is retried a bounded number of times, then parked so the rest
// of the batch and the checkpoint keep moving.
type Worker struct {
	feed        pipeline.ChangeFeed
	primary     pipeline.PrimaryStore
	index       pipeline.SearchIndex
	checkpoints pipeline.CheckpointStore
	shard       string
	batchSize   int
	retry       pipeline.RetryPolicy
	clock       pipeline.Clock
	logger      *zap.Logger

	parked []pipeline.ChangeEvent
}

// NewWorker constructs a sync Worker for one shard.
func NewWorker(
	feed pipeline.ChangeFeed,
	primary pipeline.PrimaryStore,
	index pipeline.SearchIndex,
	checkpoints pipeline.CheckpointStore,
	shard string,
	batchSize int,
	retry pipeline.RetryPolicy,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Worker {
	if shard == "" {
		shard = "default"
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if retry == nil {
		retry = pipeline.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		feed:        feed,
		primary:     primary,
		index:       index,
		checkpoints: checkpoints,
		shard:       shard,
		batchSize:   batchSize,
		retry:       retry,
		clock:       clock,
		logger:      logger,
	}
}

// Run loops over batches until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("sync batch failed", zap.Error(err))
		}
	}
}

// RunOnce resumes from the stored checkpoint, applies one batch, and
// advances the checkpoint past everything it handled.
func (w *Worker) RunOnce(ctx context.Context) error {
	after, err := w.resumePoint(ctx)
	if err != nil {
		return err
	}

	events, err := w.feed.ReadBatch(ctx, w.shard, after, w.batchSize)
	if err != nil {
		return fmt.Errorf("read change batch: %w", err)
	}

	advance := after
	var lastApplied time.Time
	for _, event := range events {
		// Replays below the watermark were already applied.
		if event.Sequence <= advance {
			continue
		}
		if err := w.applyWithRetry(ctx, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.parked = append(w.parked, event)
			metrics.ObserveSyncParked()
			w.logger.Error("parked change event",
				zap.String("artist_id", event.ArtistID),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		} else {
			metrics.ObserveSyncEvent(string(event.Kind))
		}
		// The checkpoint advances past parked items too; they are
		// isolated, not blocking.
		advance = event.Sequence
		lastApplied = event.OccurredAt
	}

	if advance > after {
		cp := pipeline.SyncCheckpoint{
			Shard:     w.shard,
			Sequence:  advance,
			AppliedAt: w.clock.Now(),
		}
		if err := w.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		if !lastApplied.IsZero() {
			metrics.SetSyncLag(w.clock.Now().Sub(lastApplied))
		}
	}
	return nil
}

// Parked returns events set aside after exhausting their retries.
func (w *Worker) Parked() []pipeline.ChangeEvent {
	out := make([]pipeline.ChangeEvent, len(w.parked))
	copy(out, w.parked)
	return out
}

func (w *Worker) resumePoint(ctx context.Context) (int64, error) {
	cp, err := w.checkpoints.GetCheckpoint(ctx, w.shard)
	if errors.Is(err, pipeline.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp.Sequence, nil
}

func (w *Worker) applyWithRetry(ctx context.Context, event pipeline.ChangeEvent) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = w.apply(ctx, event)
		if lastErr == nil {
			return nil
		}
		if !w.retry.ShouldRetry(lastErr, attempt+1) {
			return &pipeline.SyncApplyError{
				ArtistID: event.ArtistID,
				Sequence: event.Sequence,
				Err:      lastErr,
			}
		}
		backoff := w.retry.Backoff(attempt)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// apply is idempotent: upserts rewrite the whole document and deletes
// tolerate already-missing entries, so redelivered events are harmless.
func (w *Worker) apply(ctx context.Context, event pipeline.ChangeEvent) error {
	switch event.Kind {
	case pipeline.ChangeDelete:
		return w.index.Delete(ctx, event.ArtistID)
	case pipeline.ChangeUpsert:
		artist, err := w.primary.GetArtist(ctx, event.ArtistID)
		if errors.Is(err, pipeline.ErrNotFound) {
			// Record vanished after the event was emitted; treat as a
			// delete so the index cannot resurrect it.
			return w.index.Delete(ctx, event.ArtistID)
		}
		if err != nil {
			return pipeline.Transient("load artist for sync", err)
		}
		if artist.Suppressed {
			return w.index.Delete(ctx, event.ArtistID)
		}
		return w.index.Upsert(ctx, artist)
	default:
		return pipeline.Permanent("apply change event",
			fmt.Errorf("unknown change kind %q", event.Kind))
	}
}
