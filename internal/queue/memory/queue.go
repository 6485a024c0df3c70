// Package memory provides queue implementations for local development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Config controls queue delivery semantics.
type Config struct {
	Capacity     int
	Visibility   time.Duration
	MaxAttempts  int
	DedupeWindow time.Duration
}

type leased struct {
	job      pipeline.ScrapeJob
	deadline time.Time
}

// Queue is a bounded in-memory queue with at-least-once delivery.
// Received jobs stay invisible until acknowledged; when the visibility
// timeout expires they are redelivered with an incremented attempt
// count, and after MaxAttempts they move to the dead-letter list.
type Queue struct {
	mu       sync.Mutex
	visible  []pipeline.ScrapeJob
	inFlight map[string]leased
	dead     []pipeline.ScrapeJob
	seenKeys map[string]time.Time
	notify   chan struct{}
	closed   bool
	cfg      Config
	clock    pipeline.Clock
}

// NewQueue constructs a queue with the provided settings.
func NewQueue(cfg Config, clock pipeline.Clock) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Queue{
		inFlight: make(map[string]leased),
		seenKeys: make(map[string]time.Time),
		notify:   make(chan struct{}, 1),
		cfg:      cfg,
		clock:    clock,
	}
}

// Enqueue pushes a job, rejecting duplicates whose idempotency key was
// already accepted within the dedupe window.
func (q *Queue) Enqueue(_ context.Context, job pipeline.ScrapeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return pipeline.ErrQueueClosed
	}
	now := q.clock.Now()
	if job.IdempotencyKey != "" {
		if seen, ok := q.seenKeys[job.IdempotencyKey]; ok {
			if q.cfg.DedupeWindow <= 0 || now.Sub(seen) < q.cfg.DedupeWindow {
				return pipeline.ErrDuplicateJob
			}
		}
		q.seenKeys[job.IdempotencyKey] = now
	}
	if len(q.visible)+len(q.inFlight) >= q.cfg.Capacity {
		return fmt.Errorf("enqueue job %s: queue at capacity %d", job.ID, q.cfg.Capacity)
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = now
	q.visible = append(q.visible, job)
	q.wake()
	return nil
}

// Receive returns the next visible job, blocking until one is available
// or the context ends. The job becomes invisible for the visibility
// timeout.
func (q *Queue) Receive(ctx context.Context) (pipeline.ScrapeJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pipeline.ScrapeJob{}, pipeline.ErrQueueClosed
		}
		q.reapLocked()
		if len(q.visible) > 0 {
			job := q.visible[0]
			q.visible = q.visible[1:]
			q.inFlight[job.ID] = leased{job: job, deadline: q.clock.Now().Add(q.cfg.Visibility)}
			q.mu.Unlock()
			return job, nil
		}
		wait := q.nextDeadlineLocked()
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipeline.ScrapeJob{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack deletes an in-flight job after successful processing.
func (q *Queue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[jobID]; !ok {
		return fmt.Errorf("ack job %s: %w", jobID, pipeline.ErrNotFound)
	}
	delete(q.inFlight, jobID)
	return nil
}

// Stats returns a point-in-time depth snapshot.
func (q *Queue) Stats(_ context.Context) (pipeline.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapLocked()
	return pipeline.QueueStats{
		Visible:  len(q.visible),
		InFlight: len(q.inFlight),
		Dead:     len(q.dead),
	}, nil
}

// ListDead returns jobs that exhausted their retry budget.
func (q *Queue) ListDead(_ context.Context) ([]pipeline.ScrapeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]pipeline.ScrapeJob, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Close rejects further operations.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// reapLocked returns expired leases to the visible list or dead-letters
// them once the attempt budget is spent. Caller holds q.mu.
func (q *Queue) reapLocked() {
	now := q.clock.Now()
	for id, l := range q.inFlight {
		if l.deadline.After(now) {
			continue
		}
		delete(q.inFlight, id)
		job := l.job
		if job.Attempt >= q.cfg.MaxAttempts {
			q.dead = append(q.dead, job)
			continue
		}
		job.Attempt++
		q.visible = append(q.visible, job)
	}
}

// nextDeadlineLocked returns how long Receive may sleep before a lease
// could expire. Caller holds q.mu.
func (q *Queue) nextDeadlineLocked() time.Duration {
	wait := q.cfg.Visibility
	now := q.clock.Now()
	for _, l := range q.inFlight {
		if d := l.deadline.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
