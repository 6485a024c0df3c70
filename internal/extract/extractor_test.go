package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/pipeline"
	storememory "github.com/inkdex/inkdex/internal/store/memory"
)

type stubCatalog struct {
	candidates []pipeline.Candidate
	err        error
}

func (c stubCatalog) ListStudios(context.Context) ([]pipeline.Studio, error) { return nil, nil }

func (c stubCatalog) ListProfiles(context.Context, pipeline.Studio) ([]pipeline.Candidate, error) {
	return c.candidates, c.err
}

func TestExtractFiltersDenylistedCandidates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewDenylistStore()
	require.NoError(t, store.CreateEntry(ctx, pipeline.DenylistEntry{
		ID: "d1", ArtistID: "a2", Status: pipeline.DenylistApproved,
	}))
	gate := denylist.NewGate(store, time.Minute, nil)

	extractor := NewExtractor(stubCatalog{candidates: []pipeline.Candidate{
		{ArtistID: "a1", StudioID: "s1", ProfileURL: "https://x/a1", Confidence: 1},
		{ArtistID: "a2", StudioID: "s1", ProfileURL: "https://x/a2", Confidence: 1},
		{ArtistID: "a3", StudioID: "s1", ProfileURL: "https://x/a3", Confidence: 0.2},
	}}, gate, 0.5, nil)

	got, err := extractor.Extract(ctx, pipeline.Studio{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a1", got[0].ArtistID)
}

func TestExtractFailsClosedWhenDenylistDown(t *testing.T) {
	t.Parallel()

	store := storememory.NewDenylistStore()
	store.SetFailing(true)
	gate := denylist.NewGate(store, 0, nil)

	extractor := NewExtractor(stubCatalog{candidates: []pipeline.Candidate{
		{ArtistID: "a1", StudioID: "s1", ProfileURL: "https://x/a1", Confidence: 1},
	}}, gate, 0, nil)

	_, err := extractor.Extract(context.Background(), pipeline.Studio{ID: "s1"})
	require.ErrorIs(t, err, pipeline.ErrDenylistDown,
		"an unreachable denylist must block extraction entirely")
}

func TestExtractEmptyRosterSkipsGate(t *testing.T) {
	t.Parallel()

	store := storememory.NewDenylistStore()
	store.SetFailing(true)
	gate := denylist.NewGate(store, 0, nil)

	extractor := NewExtractor(stubCatalog{}, gate, 0, nil)
	got, err := extractor.Extract(context.Background(), pipeline.Studio{ID: "s1"})
	require.NoError(t, err)
	require.Empty(t, got)
}
