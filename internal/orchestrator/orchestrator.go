// Package orchestrator drives the aggregation workflow: discover
// studios, extract candidates, publish scrape jobs, wait for the queue
// to drain, and reconcile references. Every stage transition is
// persisted so a run's progress survives restarts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
	"github.com/inkdex/inkdex/internal/publish"
	"github.com/inkdex/inkdex/internal/reconcile"
)

// Stage names in execution order.
const (
	StageInit          = "init"
	StageCheckDenylist = "check_denylist"
	StageDiscover      = "discover_studios"
	StageExtract       = "extract_artists"
	StageFlatten       = "flatten_dedupe"
	StagePublish       = "publish_jobs"
	StageAwaitDrain    = "await_drain"
	StageSyncReport    = "sync_report"
)

// DrainStatus is the outcome of waiting for the queue to empty.
type DrainStatus string

// Drain outcomes. TimedOut leaves queued jobs draining on their own.
const (
	Drained     DrainStatus = "drained"
	StillActive DrainStatus = "still_active"
	TimedOut    DrainStatus = "timed_out"
)

// Extractor produces scrape candidates for one studio.
type Extractor interface {
	Extract(ctx context.Context, studio pipeline.Studio) ([]pipeline.Candidate, error)
}

// Publisher turns candidates into queued jobs, deduplicating by
// idempotency key.
type Publisher interface {
	Publish(ctx context.Context, runID string, candidates []pipeline.Candidate) (int, error)
}

// Reconciler repairs studio/artist references after a run.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Config bounds the state machine.
type Config struct {
	ExtractConcurrency   int
	StageMaxAttempts     int
	StageBackoff         time.Duration
	DrainPoll            time.Duration
	DrainCeiling         time.Duration
	DegradedFailFraction float64
}

// Orchestrator executes workflow runs. Runs started via StartRun
// proceed in the background under their own cancellable context.
type Orchestrator struct {
	catalog    pipeline.Catalog
	extractor  Extractor
	publisher  Publisher
	queue      pipeline.Queue
	primary    pipeline.PrimaryStore
	runs       pipeline.RunStore
	gate       *denylist.Gate
	reconciler Reconciler
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	retry      pipeline.RetryPolicy
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Orchestrator.
func New(
	catalog pipeline.Catalog,
	extractor Extractor,
	publisher Publisher,
	queue pipeline.Queue,
	primary pipeline.PrimaryStore,
	runs pipeline.RunStore,
	gate *denylist.Gate,
	reconciler Reconciler,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 5
	}
	if cfg.StageMaxAttempts <= 0 {
		cfg.StageMaxAttempts = 3
	}
	if cfg.StageBackoff <= 0 {
		cfg.StageBackoff = 250 * time.Millisecond
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = 5 * time.Second
	}
	if cfg.DrainCeiling <= 0 {
		cfg.DrainCeiling = 2 * time.Hour
	}
	if cfg.DegradedFailFraction <= 0 || cfg.DegradedFailFraction > 1 {
		cfg.DegradedFailFraction = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:    catalog,
		extractor:  extractor,
		publisher:  publisher,
		queue:      queue,
		primary:    primary,
		runs:       runs,
		gate:       gate,
		reconciler: reconciler,
		idGen:      idGen,
		clock:      clock,
		retry:      pipeline.NewRetryPolicy(cfg.StageMaxAttempts, cfg.StageBackoff, 8*cfg.StageBackoff),
		cfg:        cfg,
		logger:     logger,
		active:     make(map[string]context.CancelFunc),
	}
}

// StartRun persists a pending run and launches it in the background,
// returning the run id immediately.
func (o *Orchestrator) StartRun(ctx context.Context) (string, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := o.clock.Now()
	run := pipeline.WorkflowRun{
		ID:        runID,
		State:     pipeline.RunPending,
		Stage:     StageInit,
		Stages:    map[string]pipeline.StageStatus{StageInit: pipeline.StageSucceeded},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(runID)
		if err := o.Execute(runCtx, runID); err != nil && !errors.Is(err, pipeline.ErrRunCancelled) {
			o.logger.Error("run finished with error",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

// Cancel stops a running run. In-flight scrape jobs drain naturally;
// only publishing and stage transitions stop.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every active run and waits for them to finish
// persisting their terminal state.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	if cancel, ok := o.active[runID]; ok {
		cancel()
		delete(o.active, runID)
	}
	o.mu.Unlock()
}

// Execute runs the state machine for runID to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.runs.GetRun(ctx, runID)
	if errors.Is(err, pipeline.ErrNotFound) {
		run = pipeline.WorkflowRun{
			ID:        runID,
			Stages:    map[string]pipeline.StageStatus{},
			StartedAt: o.clock.Now(),
		}
	} else if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Stages == nil {
		run.Stages = map[string]pipeline.StageStatus{}
	}
	run.State = pipeline.RunRunning
	o.persist(ctx, &run)

	// Fail closed: a run never proceeds without a readable denylist.
	if err := o.runStage(ctx, &run, StageCheckDenylist, func(ctx context.Context) error {
		if _, err := o.gate.SnapshotApproved(ctx); err != nil {
			return fmt.Errorf("denylist unavailable: %w", err)
		}
		return nil
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}

	var studios []pipeline.Studio
	if err := o.runStage(ctx, &run, StageDiscover, func(ctx context.Context) error {
		found, err := o.catalog.ListStudios(ctx)
		if err != nil {
			return err
		}
		for _, studio := range found {
			if _, err := o.primary.UpsertStudio(ctx, studio); err != nil {
				return fmt.Errorf("persist studio %s: %w", studio.ID, err)
			}
		}
		studios = found
		return nil
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}
	run.Counters.StudiosDiscovered = len(studios)

	var groups [][]pipeline.Candidate
	var extractFailures int
	if err := o.runStage(ctx, &run, StageExtract, func(ctx context.Context) error {
		groups, extractFailures = o.extractAll(ctx, studios)
		if len(studios) > 0 && extractFailures == len(studios) {
			return errors.New("every studio extraction failed")
		}
		return nil
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}

	var candidates []pipeline.Candidate
	if err := o.runStage(ctx, &run, StageFlatten, func(context.Context) error {
		candidates = publish.Flatten(groups)
		return nil
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}
	run.Counters.CandidatesFound = len(candidates)

	var queued int
	if err := o.runStage(ctx, &run, StagePublish, func(ctx context.Context) error {
		n, err := o.publisher.Publish(ctx, runID, candidates)
		queued = n
		return err
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}
	run.Counters.JobsQueued = queued

	// Drain is not retried; its outcome shapes the terminal state
	// instead of failing the run.
	run.Stage = StageAwaitDrain
	run.Stages[StageAwaitDrain] = pipeline.StageRunning
	o.persist(ctx, &run)
	drain, stats := o.awaitDrain(ctx)
	run.Stages[StageAwaitDrain] = pipeline.StageSucceeded
	run.Counters.JobsFailed = stats.Dead
	processed := queued - stats.Dead - stats.Visible - stats.InFlight
	if processed < 0 {
		processed = 0
	}
	run.Counters.JobsProcessed = processed

	if err := o.runStage(ctx, &run, StageSyncReport, func(ctx context.Context) error {
		if o.reconciler == nil {
			return nil
		}
		report, err := o.reconciler.Run(ctx)
		if err != nil {
			// Reference repair is advisory; a failed pass never sinks
			// the run.
			o.logger.Warn("reconciliation pass failed", zap.Error(err))
			return nil
		}
		o.logger.Info("reconciliation pass complete",
			zap.Int("studios", report.StudiosChecked),
			zap.Int("refs_dropped", report.RefsDropped),
			zap.Int("refs_added", report.RefsAdded),
			zap.Int("warnings", len(report.Warnings)))
		return nil
	}); err != nil {
		return o.finish(ctx, &run, o.failureState(ctx), err)
	}

	state := o.terminalState(ctx, drain, queued, stats, studios, extractFailures)
	var cause error
	if state == pipeline.RunFailed {
		cause = fmt.Errorf("failure fraction crossed: %d of %d studios failed extraction, %d of %d jobs dead-lettered",
			extractFailures, len(studios), stats.Dead, queued)
	}
	return o.finish(ctx, &run, state, cause)
}

// extractAll fans extraction out over studios at bounded concurrency.
// Individual studio failures are isolated and counted.
func (o *Orchestrator) extractAll(ctx context.Context, studios []pipeline.Studio) ([][]pipeline.Candidate, int) {
	sem := make(chan struct{}, o.cfg.ExtractConcurrency)
	var (
		mu       sync.Mutex
		groups   [][]pipeline.Candidate
		failures int
		wg       sync.WaitGroup
	)
	for _, studio := range studios {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(studio pipeline.Studio) {
			defer wg.Done()
			defer func() { <-sem }()
			candidates, err := o.extractor.Extract(ctx, studio)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				o.logger.Warn("studio extraction failed",
					zap.String("studio_id", studio.ID), zap.Error(err))
				return
			}
			groups = append(groups, candidates)
		}(studio)
	}
	wg.Wait()
	return groups, failures
}

// awaitDrain polls queue depth until empty, the ceiling elapses, or the
// run is cancelled.
func (o *Orchestrator) awaitDrain(ctx context.Context) (DrainStatus, pipeline.QueueStats) {
	deadline := o.clock.Now().Add(o.cfg.DrainCeiling)
	ticker := time.NewTicker(o.cfg.DrainPoll)
	defer ticker.Stop()

	var stats pipeline.QueueStats
	for {
		current, err := o.queue.Stats(ctx)
		if err != nil {
			o.logger.Warn("queue stats failed during drain", zap.Error(err))
		} else {
			stats = current
			metrics.SetQueueDepth(stats.Visible, stats.InFlight, stats.Dead)
			if stats.Drained() {
				return Drained, stats
			}
		}
		if o.clock.Now().After(deadline) {
			return TimedOut, stats
		}
		select {
		case <-ctx.Done():
			return StillActive, stats
		case <-ticker.C:
		}
	}
}

// runStage executes fn with bounded retries, persisting every status
// transition.
func (o *Orchestrator) runStage(ctx context.Context, run *pipeline.WorkflowRun, stage string, fn func(context.Context) error) error {
	run.Stage = stage
	run.Stages[stage] = pipeline.StageRunning
	o.persist(ctx, run)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			run.Stages[stage] = pipeline.StageSucceeded
			o.persist(ctx, run)
			return nil
		}
		if ctx.Err() != nil || !o.retry.ShouldRetry(lastErr, attempt+1) {
			break
		}
		run.Stages[stage] = pipeline.StageRetrying
		o.persist(ctx, run)
		metrics.ObserveStageRetry(stage)
		o.logger.Warn("stage failed, retrying",
			zap.String("stage", stage),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		timer := time.NewTimer(o.retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
			continue
		}
		break
	}

	run.Stages[stage] = pipeline.StageFailed
	run.Counters.StagesFailed++
	o.persist(ctx, run)
	return fmt.Errorf("stage %s: %w", stage, lastErr)
}

func (o *Orchestrator) failureState(ctx context.Context) pipeline.RunState {
	if ctx.Err() != nil {
		return pipeline.RunCancelled
	}
	return pipeline.RunFailed
}

func (o *Orchestrator) terminalState(
	ctx context.Context,
	drain DrainStatus,
	queued int,
	stats pipeline.QueueStats,
	studios []pipeline.Studio,
	extractFailures int,
) pipeline.RunState {
	if ctx.Err() != nil {
		return pipeline.RunCancelled
	}
	if drain == TimedOut {
		return pipeline.RunTimedOutWaiting
	}
	if drain == StillActive {
		return pipeline.RunCancelled
	}
	// Isolated sub-task failures degrade the run; crossing the
	// configured fraction escalates it to failed outright.
	degraded := false
	if extractFailures > 0 {
		if len(studios) > 0 && float64(extractFailures)/float64(len(studios)) >= o.cfg.DegradedFailFraction {
			return pipeline.RunFailed
		}
		degraded = true
	}
	if stats.Dead > 0 {
		if queued > 0 && float64(stats.Dead)/float64(queued) >= o.cfg.DegradedFailFraction {
			return pipeline.RunFailed
		}
		degraded = true
	}
	if degraded {
		return pipeline.RunDegraded
	}
	return pipeline.RunSucceeded
}

// finish records the terminal state and the run metric.
func (o *Orchestrator) finish(ctx context.Context, run *pipeline.WorkflowRun, state pipeline.RunState, cause error) error {
	run.State = state
	if cause != nil {
		run.ErrorText = cause.Error()
	}
	ended := o.clock.Now()
	run.EndedAt = &ended
	// Persist with a fresh context so a cancelled run still records its
	// terminal state.
	o.persist(context.WithoutCancel(ctx), run)
	metrics.ObserveRun(string(state))
	o.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(state)))

	if state == pipeline.RunCancelled {
		return pipeline.ErrRunCancelled
	}
	return cause
}

func (o *Orchestrator) persist(ctx context.Context, run *pipeline.WorkflowRun) {
	run.UpdatedAt = o.clock.Now()
	if err := o.runs.SaveRun(ctx, *run); err != nil {
		o.logger.Error("run persistence failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}
