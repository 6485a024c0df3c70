package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/breaker"
	"github.com/inkdex/inkdex/internal/pipeline"
	searchmemory "github.com/inkdex/inkdex/internal/search/memory"
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

// countingIndex tracks how many queries reach the real index.
type countingIndex struct {
	*searchmemory.Index
	mu      sync.Mutex
	queries int
}

func (c *countingIndex) Query(ctx context.Context, req pipeline.QueryRequest) (pipeline.QueryResult, error) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	return c.Index.Query(ctx, req)
}

func (c *countingIndex) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

func newReaderFixture(t *testing.T) (*Reader, *countingIndex, *storememory.PrimaryStore, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	index := &countingIndex{Index: searchmemory.NewIndex()}
	primary := storememory.NewPrimaryStore(nil, "default", clk)
	brk := breaker.New(breaker.Config{
		WindowSize:     4,
		ErrorThreshold: 0.5,
		Cooldown:       time.Minute,
	}, clk)
	return NewReader(index, primary, brk, nil), index, primary, clk
}

func TestQueryServesFromIndex(t *testing.T) {
	t.Parallel()

	reader, index, _, _ := newReaderFixture(t)
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, pipeline.Artist{ID: "a1", Name: "Nia", Rating: 4.7}))

	res, err := reader.Query(ctx, pipeline.QueryRequest{Text: "nia"})
	require.NoError(t, err)
	require.Equal(t, "index", res.Source)
	require.False(t, res.Degraded)
	require.Len(t, res.Artists, 1)
}

func TestQueryFallsBackWhenIndexFails(t *testing.T) {
	t.Parallel()

	reader, index, primary, _ := newReaderFixture(t)
	ctx := context.Background()
	_, err := primary.UpsertArtist(ctx, pipeline.Artist{ID: "a1", Name: "Nia"})
	require.NoError(t, err)
	index.SetFailing(true)

	res, err := reader.Query(ctx, pipeline.QueryRequest{Text: "nia"})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, "primary", res.Source)
	require.Len(t, res.Artists, 1)
}

func TestFallbackFiltersSuppressedAndMatches(t *testing.T) {
	t.Parallel()

	reader, index, primary, _ := newReaderFixture(t)
	ctx := context.Background()
	_, err := primary.UpsertArtist(ctx, pipeline.Artist{
		ID: "a1", Name: "Nia", Styles: []string{"blackwork"},
		Location: pipeline.Location{City: "Portland"},
	})
	require.NoError(t, err)
	_, err = primary.UpsertArtist(ctx, pipeline.Artist{
		ID: "a2", Name: "Rook", Styles: []string{"fineline"},
		Location: pipeline.Location{City: "Austin"},
	})
	require.NoError(t, err)
	_, err = primary.UpsertArtist(ctx, pipeline.Artist{ID: "a3", Name: "Gone"})
	require.NoError(t, err)
	require.NoError(t, primary.DeleteArtist(ctx, "a3"))
	index.SetFailing(true)

	res, err := reader.Query(ctx, pipeline.QueryRequest{Styles: []string{"blackwork"}, City: "portland"})
	require.NoError(t, err)
	require.Len(t, res.Artists, 1)
	require.Equal(t, "a1", res.Artists[0].ID)

	res, err = reader.Query(ctx, pipeline.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, res.Artists, 2, "suppressed records never appear in fallback results")
}

func TestBreakerOpensAndRecoverAfterCooldown(t *testing.T) {
	t.Parallel()

	reader, index, _, clk := newReaderFixture(t)
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, pipeline.Artist{ID: "a1", Name: "Nia"}))
	index.SetFailing(true)

	// Fill the window with failures until the breaker trips.
	for i := 0; i < 4; i++ {
		_, err := reader.Query(ctx, pipeline.QueryRequest{})
		require.NoError(t, err, "fallback must keep answering while the index is down")
	}

	before := index.queryCount()
	res, err := reader.Query(ctx, pipeline.QueryRequest{})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, before, index.queryCount(), "open breaker must not probe the index")
	require.Equal(t, breaker.Open, reader.BreakerState())

	// After the cooldown a single trial goes through; the index has
	// recovered so the breaker closes again.
	index.SetFailing(false)
	clk.Advance(2 * time.Minute)

	res, err = reader.Query(ctx, pipeline.QueryRequest{})
	require.NoError(t, err)
	require.Equal(t, "index", res.Source)
	require.Equal(t, breaker.Closed, reader.BreakerState())
}
