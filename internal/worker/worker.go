// Package worker executes scrape jobs from the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// Worker consumes scrape jobs, re-checks the denylist immediately
// before writing, and upserts the scraped record into the primary
// store. The pre-write check catches approvals that landed while the
// job sat in the queue.
type Worker struct {
	queue   pipeline.Queue
	scraper pipeline.Scraper
	primary pipeline.PrimaryStore
	gate    *denylist.Gate
	retry   pipeline.RetryPolicy
	clock   pipeline.Clock
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.Queue,
	scraper pipeline.Scraper,
	primary pipeline.PrimaryStore,
	gate *denylist.Gate,
	retry pipeline.RetryPolicy,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = pipeline.NewExponentialRetryPolicy()
	}
	return &Worker{
		queue:   queue,
		scraper: scraper,
		primary: primary,
		gate:    gate,
		retry:   retry,
		clock:   clock,
		logger:  logger,
	}
}

// Run blocks, consuming jobs until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue receive failed", zap.Error(err))
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one job end to end. Permanent failures are acked so
// they stop retrying; transient failures are left in flight for the
// visibility timeout to redeliver.
func (w *Worker) Process(ctx context.Context, job pipeline.ScrapeJob) {
	start := w.clock.Now()
	err := w.processOnce(ctx, job)
	duration := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		w.ack(ctx, job)
		metrics.ObserveScrapeJob("succeeded", duration)
	case isGovernance(err):
		// Denylisted mid-flight. Drop the job for good.
		w.ack(ctx, job)
		metrics.ObserveDenylistDrop("pre-write")
		metrics.ObserveScrapeJob("denylisted", duration)
		w.logger.Info("dropped denylisted job",
			zap.String("job_id", job.ID),
			zap.String("artist_id", job.ArtistID))
	case pipeline.IsPermanent(err):
		w.ack(ctx, job)
		metrics.ObserveScrapeJob("failed", duration)
		w.logger.Warn("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("artist_id", job.ArtistID),
			zap.Error(err))
	default:
		// Leave the lease to expire; the queue redelivers and
		// eventually dead-letters.
		metrics.ObserveScrapeJob("retrying", duration)
		w.logger.Warn("job failed, leaving for redelivery",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
	}
}

func (w *Worker) processOnce(ctx context.Context, job pipeline.ScrapeJob) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = w.scrapeAndStore(ctx, job)
		if lastErr == nil {
			return nil
		}
		if !w.retry.ShouldRetry(lastErr, attempt+1) {
			return lastErr
		}
		backoff := w.retry.Backoff(attempt)
		w.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) scrapeAndStore(ctx context.Context, job pipeline.ScrapeJob) error {
	artist, err := w.scraper.Scrape(ctx, job)
	if err != nil {
		return err
	}

	// Fail closed: an unanswerable gate blocks the write.
	blocked, err := w.gate.Blocked(ctx, job.ArtistID)
	if err != nil {
		return pipeline.Transient("pre-write denylist check", err)
	}
	if blocked {
		return &pipeline.GovernanceViolation{ArtistID: job.ArtistID, Stage: "pre-write"}
	}

	if _, err := w.primary.UpsertArtist(ctx, artist); err != nil {
		return pipeline.Transient("upsert artist", err)
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, job pipeline.ScrapeJob) {
	if err := w.queue.Ack(ctx, job.ID); err != nil {
		w.logger.Error("ack failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func isGovernance(err error) bool {
	var gv *pipeline.GovernanceViolation
	return errors.As(err, &gv)
}
