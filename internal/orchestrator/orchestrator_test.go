package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/denylist"
	hashsha256 "github.com/inkdex/inkdex/internal/hash/sha256"
	uuidgen "github.com/inkdex/inkdex/internal/id/uuid"
	"github.com/inkdex/inkdex/internal/pipeline"
	"github.com/inkdex/inkdex/internal/publish"
	queuememory "github.com/inkdex/inkdex/internal/queue/memory"
	"github.com/inkdex/inkdex/internal/reconcile"
	storememory "github.com/inkdex/inkdex/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubCatalog struct {
	mu      sync.Mutex
	studios []pipeline.Studio
	errs    []error
	calls   int
}

func (s *stubCatalog) ListStudios(context.Context) ([]pipeline.Studio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	return s.studios, nil
}

func (s *stubCatalog) ListProfiles(context.Context, pipeline.Studio) ([]pipeline.Candidate, error) {
	return nil, nil
}

func (s *stubCatalog) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubExtractor yields two candidates per studio and fails for ids in
// failing.
type stubExtractor struct {
	failing map[string]bool
}

func (s *stubExtractor) Extract(_ context.Context, studio pipeline.Studio) ([]pipeline.Candidate, error) {
	if s.failing[studio.ID] {
		return nil, pipeline.Transient("extract studio", errors.New("roster unavailable"))
	}
	var out []pipeline.Candidate
	for i := 0; i < 2; i++ {
		out = append(out, pipeline.Candidate{
			ArtistID:   fmt.Sprintf("%s-a%d", studio.ID, i),
			StudioID:   studio.ID,
			ProfileURL: fmt.Sprintf("https://site/%s/a%d", studio.ID, i),
			Confidence: 1.0,
		})
	}
	return out, nil
}

type fixture struct {
	orch    *Orchestrator
	clock   *fakeClock
	queue   *queuememory.Queue
	primary *storememory.PrimaryStore
	runs    *storememory.RunStore
	entries *storememory.DenylistStore
	catalog *stubCatalog
}

func newFixture(t *testing.T, catalog *stubCatalog, extractor Extractor, cfg Config) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := queuememory.NewQueue(queuememory.Config{
		Visibility:  time.Minute,
		MaxAttempts: 3,
	}, clk)
	t.Cleanup(queue.Close)
	primary := storememory.NewPrimaryStore(nil, "default", clk)
	runs := storememory.NewRunStore()
	entries := storememory.NewDenylistStore()
	gate := denylist.NewGate(entries, 0, nil)
	publisher := publish.NewPublisher(queue, uuidgen.NewUUIDGenerator(), hashsha256.New(), clk, 10, nil)

	if cfg.StageBackoff == 0 {
		cfg.StageBackoff = time.Millisecond
	}
	if cfg.DrainPoll == 0 {
		cfg.DrainPoll = 5 * time.Millisecond
	}
	orch := New(catalog, extractor, publisher, queue, primary, runs, gate,
		reconcile.New(primary, nil), uuidgen.NewUUIDGenerator(), clk, cfg, nil)
	return &fixture{
		orch:    orch,
		clock:   clk,
		queue:   queue,
		primary: primary,
		runs:    runs,
		entries: entries,
		catalog: catalog,
	}
}

// consume acks everything the queue delivers until the context ends.
func (f *fixture) consume(ctx context.Context) {
	go func() {
		for {
			job, err := f.queue.Receive(ctx)
			if err != nil {
				return
			}
			_ = f.queue.Ack(ctx, job.ID)
		}
	}()
}

func twoStudios() *stubCatalog {
	return &stubCatalog{studios: []pipeline.Studio{
		{ID: "s1", Name: "Black Lotus"},
		{ID: "s2", Name: "Iron Quill"},
	}}
}

func TestExecuteRunsToSucceeded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, twoStudios(), &stubExtractor{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.consume(ctx)

	require.NoError(t, f.orch.Execute(ctx, "r1"))

	run, err := f.runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunSucceeded, run.State)
	require.Equal(t, pipeline.StageSucceeded, run.Stages[StagePublish])
	require.Equal(t, 2, run.Counters.StudiosDiscovered)
	require.Equal(t, 4, run.Counters.CandidatesFound)
	require.Equal(t, 4, run.Counters.JobsQueued)
	require.Equal(t, 4, run.Counters.JobsProcessed)
	require.NotNil(t, run.EndedAt)

	// Discovery persists the studios it found.
	_, err = f.primary.GetStudio(ctx, "s1")
	require.NoError(t, err)
}

func TestExecuteFailsClosedWhenDenylistDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, twoStudios(), &stubExtractor{}, Config{StageMaxAttempts: 2})
	f.entries.SetFailing(true)
	ctx := context.Background()

	err := f.orch.Execute(ctx, "r1")
	require.Error(t, err)

	run, err := f.runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunFailed, run.State)
	require.Equal(t, pipeline.StageFailed, run.Stages[StageCheckDenylist])
	require.NotEmpty(t, run.ErrorText)
	_, ok := run.Stages[StageDiscover]
	require.False(t, ok, "later stages must not start after a failed gate check")
}

func TestExecuteRetriesDiscovery(t *testing.T) {
	t.Parallel()

	catalog := twoStudios()
	catalog.errs = []error{pipeline.Transient("list studios", errors.New("status 503"))}
	f := newFixture(t, catalog, &stubExtractor{}, Config{StageMaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.consume(ctx)

	require.NoError(t, f.orch.Execute(ctx, "r1"))
	require.Equal(t, 2, f.catalog.callCount())

	run, err := f.runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunSucceeded, run.State)
}

func TestExecuteDegradedOnIsolatedExtractionFailure(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{studios: []pipeline.Studio{
		{ID: "s1", Name: "Black Lotus"},
		{ID: "s2", Name: "Iron Quill"},
		{ID: "s3", Name: "Golden Hour"},
		{ID: "s4", Name: "Stray Arrow"},
		{ID: "s5", Name: "Salt & Ink"},
	}}
	f := newFixture(t, catalog, &stubExtractor{failing: map[string]bool{"s3": true}},
		Config{StageMaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.consume(ctx)

	// One studio out of five failing is below the default fraction: the
	// run must finish degraded, never failed, and never clean.
	require.NoError(t, f.orch.Execute(ctx, "r1"))

	run, err := f.runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunDegraded, run.State)
	require.Equal(t, 8, run.Counters.CandidatesFound, "healthy studio results still flow")
	require.Equal(t, 8, run.Counters.JobsQueued)
}

func TestExecuteFailsWhenExtractionFailuresCrossThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, twoStudios(), &stubExtractor{failing: map[string]bool{"s2": true}},
		Config{DegradedFailFraction: 0.5, StageMaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.consume(ctx)

	err := f.orch.Execute(ctx, "r1")
	require.Error(t, err)

	run, gerr := f.runs.GetRun(ctx, "r1")
	require.NoError(t, gerr)
	require.Equal(t, pipeline.RunFailed, run.State)
	require.NotEmpty(t, run.ErrorText)
	require.Equal(t, 2, run.Counters.CandidatesFound, "healthy studio results still flow")
}

func TestExecuteTimesOutWaitingForDrain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, twoStudios(), &stubExtractor{},
		Config{DrainCeiling: time.Hour, DrainPoll: 5 * time.Millisecond})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.orch.Execute(ctx, "r1") }()

	// No consumer: the queue never drains. Push the clock past the
	// ceiling so the next poll gives up.
	require.Eventually(t, func() bool {
		run, err := f.runs.GetRun(ctx, "r1")
		return err == nil && run.Stage == StageAwaitDrain
	}, 5*time.Second, 5*time.Millisecond)
	f.clock.Advance(2 * time.Hour)

	require.NoError(t, <-done)
	run, err := f.runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunTimedOutWaiting, run.State)
}

func TestStartRunIsAsyncAndCancellable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, twoStudios(), &stubExtractor{}, Config{})
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// No consumer, so the run parks in await_drain until cancelled.
	require.Eventually(t, func() bool {
		run, err := f.runs.GetRun(ctx, runID)
		return err == nil && run.Stage == StageAwaitDrain
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.orch.Cancel(runID))
	require.Eventually(t, func() bool {
		run, err := f.runs.GetRun(ctx, runID)
		return err == nil && run.State == pipeline.RunCancelled
	}, 5*time.Second, 5*time.Millisecond)
}
