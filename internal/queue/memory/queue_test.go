package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/pipeline"
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

func newTestQueue(cfg Config) (*Queue, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewQueue(cfg, clk), clk
}

func TestQueueEnqueueReceiveAck(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Config{Visibility: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1", ArtistID: "a1"}))

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, 1, job.Attempt)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Visible)
	require.Equal(t, 1, stats.InFlight)

	require.NoError(t, q.Ack(ctx, "j1"))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Drained())
}

func TestQueueRedeliversAfterVisibilityTimeout(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(Config{Visibility: 30 * time.Second, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1"}))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempt)

	// Lease expires without an ack.
	clk.Advance(31 * time.Second)

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", second.ID)
	require.Equal(t, 2, second.Attempt)
}

func TestQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(Config{Visibility: time.Second, MaxAttempts: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pipeline.ScrapeJob{ID: "j1"}))

	for i := 0; i < 2; i++ {
		_, err := q.Receive(ctx)
		require.NoError(t, err)
		clk.Advance(2 * time.Second)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Visible)
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, 1, stats.Dead)

	dead, err := q.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "j1", dead[0].ID)
}

func TestQueueDeduplicatesByIdempotencyKey(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Config{Visibility: time.Minute, MaxAttempts: 3, DedupeWindow: time.Hour})
	ctx := context.Background()

	// 12 candidates, 2 of them repeating earlier keys.
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k2", "k9", "k5", "k10"}
	accepted := 0
	for i, key := range keys {
		err := q.Enqueue(ctx, pipeline.ScrapeJob{ID: string(rune('a' + i)), IdempotencyKey: key})
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, pipeline.ErrDuplicateJob)
	}
	require.Equal(t, 10, accepted)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, stats.Visible)
}

func TestQueueReceiveRespectsContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Config{Visibility: time.Minute, MaxAttempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Config{Visibility: time.Minute, MaxAttempts: 3})
	q.Close()
	q.Close()

	err := q.Enqueue(context.Background(), pipeline.ScrapeJob{ID: "j1"})
	require.True(t, errors.Is(err, pipeline.ErrQueueClosed))

	_, err = q.Receive(context.Background())
	require.True(t, errors.Is(err, pipeline.ErrQueueClosed))
}

func TestQueueAckUnknownJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Config{Visibility: time.Minute, MaxAttempts: 3})
	err := q.Ack(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
