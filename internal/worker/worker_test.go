package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/pipeline"
	queuememory "github.com/inkdex/inkdex/internal/queue/memory"
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

type scriptedScraper struct {
	mu      sync.Mutex
	results []scrapeResult
	calls   int
}

type scrapeResult struct {
	artist pipeline.Artist
	err    error
}

func (s *scriptedScraper) Scrape(_ context.Context, job pipeline.ScrapeJob) (pipeline.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.artist, res.err
}

func (s *scriptedScraper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	clock   *fakeClock
	queue   *queuememory.Queue
	primary *storememory.PrimaryStore
	store   *storememory.DenylistStore
	gate    *denylist.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queuememory.NewQueue(queuememory.Config{
		Visibility:  time.Minute,
		MaxAttempts: 3,
	}, clk)
	t.Cleanup(q.Close)
	store := storememory.NewDenylistStore()
	return &fixture{
		clock:   clk,
		queue:   q,
		primary: storememory.NewPrimaryStore(nil, "default", clk),
		store:   store,
		gate:    denylist.NewGate(store, 0, nil),
	}
}

func (f *fixture) newWorker(scraper pipeline.Scraper) *Worker {
	// One attempt: retries are the queue's job in these tests.
	return New(f.queue, scraper, f.primary, f.gate,
		pipeline.NewRetryPolicy(1, time.Millisecond, time.Millisecond), f.clock, nil)
}

func TestProcessStoresAndAcks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := pipeline.ScrapeJob{ID: "j1", RunID: "r1", ArtistID: "a1", ProfileURL: "https://x/a1"}
	require.NoError(t, f.queue.Enqueue(ctx, job))

	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	w := f.newWorker(&scriptedScraper{results: []scrapeResult{
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}})
	w.Process(ctx, received)

	artist, err := f.primary.GetArtist(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "Nia", artist.Name)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Drained())
}

func TestProcessDropsDenylistedJobBeforeWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEntry(ctx, pipeline.DenylistEntry{
		ID: "d1", ArtistID: "a1", Status: pipeline.DenylistApproved,
	}))

	require.NoError(t, f.queue.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1", ProfileURL: "https://x/a1"}))
	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	w := f.newWorker(&scriptedScraper{results: []scrapeResult{
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}})
	w.Process(ctx, received)

	_, err = f.primary.GetArtist(ctx, "a1")
	require.ErrorIs(t, err, pipeline.ErrNotFound, "denylisted record must never be written")

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Drained(), "dropped job must still be acked")
}

func TestProcessFailsClosedWhenGateDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.SetFailing(true)

	require.NoError(t, f.queue.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1", ProfileURL: "https://x/a1"}))
	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	w := f.newWorker(&scriptedScraper{results: []scrapeResult{
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}})
	w.Process(ctx, received)

	_, err = f.primary.GetArtist(ctx, "a1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.InFlight, "gate outage must leave the job for redelivery")
}

func TestProcessAcksPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1", ProfileURL: "https://x/a1"}))
	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	w := f.newWorker(&scriptedScraper{results: []scrapeResult{
		{err: pipeline.Permanent("parse profile", errors.New("missing markup"))},
	}})
	w.Process(ctx, received)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Drained(), "permanent failures must not redeliver")
}

func TestProcessLeavesTransientFailureInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1", ProfileURL: "https://x/a1"}))
	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	w := f.newWorker(&scriptedScraper{results: []scrapeResult{
		{err: pipeline.Transient("fetch profile", errors.New("status 503"))},
	}})
	w.Process(ctx, received)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.InFlight)

	// After the visibility timeout, the job comes back with a higher
	// attempt count.
	f.clock.Advance(2 * time.Minute)
	redelivered, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", redelivered.ID)
	require.Equal(t, 2, redelivered.Attempt)
}

func TestProcessRetriesTransientInline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1", ProfileURL: "https://x/a1"}))
	received, err := f.queue.Receive(ctx)
	require.NoError(t, err)

	scraper := &scriptedScraper{results: []scrapeResult{
		{err: pipeline.Transient("fetch profile", errors.New("status 503"))},
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}}
	w := New(f.queue, scraper, f.primary, f.gate,
		pipeline.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), f.clock, nil)
	w.Process(ctx, received)

	require.Equal(t, 2, scraper.callCount())
	_, err = f.primary.GetArtist(ctx, "a1")
	require.NoError(t, err)
}

func TestPoolScalesToZeroWhenIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scraper := &scriptedScraper{results: []scrapeResult{
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}}
	pool := NewPool(f.newWorker(scraper), f.queue, PoolConfig{
		MinWorkers:    0,
		MaxWorkers:    2,
		JobsPerWorker: 1,
		ScaleInterval: 10 * time.Millisecond,
	}, nil)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// Nothing queued: the pool holds no workers.
	require.Equal(t, 0, pool.Size())

	for i := 0; i < 2; i++ {
		job := pipeline.ScrapeJob{ID: string(rune('a' + i)), ArtistID: "a1", ProfileURL: "https://x/a1"}
		require.NoError(t, f.queue.Enqueue(ctx, job))
	}
	require.Eventually(t, func() bool {
		return pool.Size() > 0
	}, 5*time.Second, 10*time.Millisecond, "backlog must wake the pool")

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && stats.Drained() && pool.Size() == 0
	}, 5*time.Second, 10*time.Millisecond, "an idle queue must release every worker")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPoolScalesWithBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scraper := &scriptedScraper{results: []scrapeResult{
		{artist: pipeline.Artist{ID: "a1", Name: "Nia"}},
	}}
	w := f.newWorker(scraper)
	pool := NewPool(w, f.queue, PoolConfig{
		MinWorkers:    1,
		MaxWorkers:    4,
		JobsPerWorker: 1,
		ScaleInterval: 10 * time.Millisecond,
	}, nil)

	for i := 0; i < 8; i++ {
		job := pipeline.ScrapeJob{ID: string(rune('a' + i)), ArtistID: "a1", ProfileURL: "https://x/a1"}
		require.NoError(t, f.queue.Enqueue(ctx, job))
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && stats.Drained()
	}, 5*time.Second, 10*time.Millisecond, "pool must drain the backlog")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}
}
