package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// PoolConfig controls worker pool sizing.
type PoolConfig struct {
	MinWorkers int
	MaxWorkers int
	// JobsPerWorker is the visible backlog one worker is expected to
	// absorb; the supervisor adds workers while backlog exceeds it.
	JobsPerWorker int
	ScaleInterval time.Duration
}

// Pool supervises a set of workers sharing one queue, growing and
// shrinking between the configured bounds as the visible backlog moves.
// With MinWorkers zero the pool parks completely while the queue is
// idle and restarts workers when backlog appears.
type Pool struct {
	worker *Worker
	queue  pipeline.Queue
	cfg    PoolConfig
	logger *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool constructs a Pool around a single Worker definition.
func NewPool(worker *Worker, queue pipeline.Queue, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.JobsPerWorker <= 0 {
		cfg.JobsPerWorker = 4
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		worker: worker,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the minimum worker set and supervises sizing until the
// context finishes, then waits for all workers to drain out.
func (p *Pool) Run(ctx context.Context) {
	p.resize(ctx, p.cfg.MinWorkers)

	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.resize(ctx, 0)
			p.wg.Wait()
			return
		case <-ticker.C:
			p.supervise(ctx)
		}
	}
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *Pool) supervise(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Warn("queue stats failed", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(stats.Visible, stats.InFlight, stats.Dead)

	desired := stats.Visible / p.cfg.JobsPerWorker
	if stats.Visible%p.cfg.JobsPerWorker != 0 {
		desired++
	}
	// Keep one worker while jobs are in flight so their leases finish
	// cleanly; only a fully idle queue releases the last worker.
	if desired == 0 && stats.InFlight > 0 {
		desired = 1
	}
	if desired < p.cfg.MinWorkers {
		desired = p.cfg.MinWorkers
	}
	if desired > p.cfg.MaxWorkers {
		desired = p.cfg.MaxWorkers
	}
	p.resize(ctx, desired)
}

func (p *Pool) resize(ctx context.Context, desired int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.cancels) < desired {
		workerCtx, cancel := context.WithCancel(ctx)
		p.cancels = append(p.cancels, cancel)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker.Run(workerCtx)
		}()
	}
	for len(p.cancels) > desired {
		last := len(p.cancels) - 1
		p.cancels[last]()
		p.cancels = p.cancels[:last]
	}
	metrics.SetActiveWorkers(desired)
	p.logger.Debug("worker pool resized", zap.Int("workers", desired))
}
