package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/pipeline"
)

func seedIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	ctx := context.Background()
	artists := []pipeline.Artist{
		{ID: "a1", Name: "Nia Okafor", Bio: "blackwork and fine line", Styles: []string{"blackwork"}, Location: pipeline.Location{City: "Berlin"}, Rating: 4.9},
		{ID: "a2", Name: "Marco Reyes", Bio: "traditional americana", Styles: []string{"traditional"}, Location: pipeline.Location{City: "Lisbon"}, Rating: 4.5},
		{ID: "a3", Name: "Suppressed One", Suppressed: true, Location: pipeline.Location{City: "Berlin"}},
	}
	for _, a := range artists {
		require.NoError(t, idx.Upsert(ctx, a))
	}
	return idx
}

func TestQueryFreeText(t *testing.T) {
	t.Parallel()

	idx := seedIndex(t)
	res, err := idx.Query(context.Background(), pipeline.QueryRequest{Text: "blackwork"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "a1", res.Artists[0].ID)
	require.Equal(t, "index", res.Source)
}

func TestQueryFiltersSuppressed(t *testing.T) {
	t.Parallel()

	idx := seedIndex(t)
	res, err := idx.Query(context.Background(), pipeline.QueryRequest{City: "Berlin"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "a1", res.Artists[0].ID)
}

func TestQueryStylesAndPagination(t *testing.T) {
	t.Parallel()

	idx := seedIndex(t)
	res, err := idx.Query(context.Background(), pipeline.QueryRequest{Styles: []string{"Traditional"}, Page: 1, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "a2", res.Artists[0].ID)

	res, err = idx.Query(context.Background(), pipeline.QueryRequest{Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Artists, 1)
}

func TestUpsertIdempotent(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	ctx := context.Background()
	doc := pipeline.Artist{ID: "a1", Name: "Nia", Version: 3}

	require.NoError(t, idx.Upsert(ctx, doc))
	require.NoError(t, idx.Upsert(ctx, doc))

	got, ok := idx.Get("a1")
	require.True(t, ok)
	require.Equal(t, int64(3), got.Version)

	res, err := idx.Query(ctx, pipeline.QueryRequest{Text: "nia"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total, "replayed upsert must not duplicate documents")
}

func TestDeleteIdempotent(t *testing.T) {
	t.Parallel()

	idx := seedIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Delete(ctx, "a1"))
	require.NoError(t, idx.Delete(ctx, "a1"))

	_, ok := idx.Get("a1")
	require.False(t, ok)
}

func TestQueryWhileFailing(t *testing.T) {
	t.Parallel()

	idx := seedIndex(t)
	idx.SetFailing(true)

	_, err := idx.Query(context.Background(), pipeline.QueryRequest{})
	require.ErrorIs(t, err, pipeline.ErrIndexDown)
	require.ErrorIs(t, idx.Upsert(context.Background(), pipeline.Artist{ID: "x"}), pipeline.ErrIndexDown)
}
