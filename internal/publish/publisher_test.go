package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	hashsha256 "github.com/inkdex/inkdex/internal/hash/sha256"
	iduuid "github.com/inkdex/inkdex/internal/id/uuid"
	"github.com/inkdex/inkdex/internal/pipeline"
	queuememory "github.com/inkdex/inkdex/internal/queue/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, clk pipeline.Clock) *queuememory.Queue {
	t.Helper()
	q := queuememory.NewQueue(queuememory.Config{
		Visibility:   time.Minute,
		MaxAttempts:  3,
		DedupeWindow: time.Hour,
	}, clk)
	t.Cleanup(q.Close)
	return q
}

func TestPublishDeduplicatesWithinRun(t *testing.T) {
	t.Parallel()

	clk := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, clk)
	publisher := NewPublisher(queue, iduuid.NewUUIDGenerator(), hashsha256.New(), clk, 10, nil)

	// Twelve submissions, two of them repeats.
	var candidates []pipeline.Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, pipeline.Candidate{
			ArtistID:   fmt.Sprintf("a%d", i),
			StudioID:   "s1",
			ProfileURL: fmt.Sprintf("https://x/a%d", i),
			Confidence: 1,
		})
	}
	candidates = append(candidates, candidates[0], candidates[5])

	queued, err := publisher.Publish(context.Background(), "run-1", candidates)
	require.NoError(t, err)
	require.Equal(t, 10, queued)

	stats, err := queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, stats.Visible)
}

func TestPublishToleratesQueueLevelDuplicates(t *testing.T) {
	t.Parallel()

	clk := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, clk)
	publisher := NewPublisher(queue, iduuid.NewUUIDGenerator(), hashsha256.New(), clk, 10, nil)

	candidates := []pipeline.Candidate{
		{ArtistID: "a1", StudioID: "s1", ProfileURL: "https://x/a1", Confidence: 1},
	}

	// A restarted publisher loses its local key set but the queue
	// still remembers the idempotency key.
	queued, err := publisher.Publish(context.Background(), "run-1", candidates)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	restarted := NewPublisher(queue, iduuid.NewUUIDGenerator(), hashsha256.New(), clk, 10, nil)
	queued, err = restarted.Publish(context.Background(), "run-1", candidates)
	require.NoError(t, err)
	require.Equal(t, 0, queued)
}

func TestPublishKeysAreRunScoped(t *testing.T) {
	t.Parallel()

	clk := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, clk)
	publisher := NewPublisher(queue, iduuid.NewUUIDGenerator(), hashsha256.New(), clk, 10, nil)

	candidates := []pipeline.Candidate{
		{ArtistID: "a1", StudioID: "s1", ProfileURL: "https://x/a1", Confidence: 1},
	}
	queued, err := publisher.Publish(context.Background(), "run-1", candidates)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	queued, err = publisher.Publish(context.Background(), "run-2", candidates)
	require.NoError(t, err)
	require.Equal(t, 1, queued, "a new run must be able to rescrape the same artist")
}

func TestFlattenKeepsHighestConfidence(t *testing.T) {
	t.Parallel()

	merged := Flatten([][]pipeline.Candidate{
		{
			{ArtistID: "a1", StudioID: "s1", Confidence: 0.6},
			{ArtistID: "a2", StudioID: "s1", Confidence: 0.9},
		},
		{
			{ArtistID: "a1", StudioID: "s2", Confidence: 0.8},
		},
	})
	require.Len(t, merged, 2)
	require.Equal(t, "s2", merged[0].StudioID, "higher-confidence roster wins")
	require.InDelta(t, 0.8, merged[0].Confidence, 0.001)
}
