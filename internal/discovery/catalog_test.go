package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/pipeline"
	"github.com/inkdex/inkdex/internal/scraper"
)

const studioIndexHTML = `<html><body>
<div class="studio" data-studio-id="s1">
  <span class="studio-name">Iron Anchor</span>
  <span class="city">Portland</span>
  <a href="/studios/s1/roster">roster</a>
</div>
<div class="studio" data-studio-id="s2">
  <span class="studio-name">Golden Needle</span>
  <span class="city">Austin</span>
  <a href="https://catalog.example.com/studios/s2/roster">roster</a>
</div>
</body></html>`

const rosterHTML = `<html><body>
<ul class="roster">
  <li><a data-artist-id="a1" data-confidence="0.9" href="/artists/a1">Nia</a></li>
  <li><a data-artist-id="a2" href="/artists/a2">Rook</a></li>
  <li><a data-artist-id="" href="/artists/broken">broken</a></li>
</ul>
</body></html>`

type pageFetcher struct {
	pages map[string]scraper.Page
}

func (f pageFetcher) Fetch(_ context.Context, rawURL string) (scraper.Page, error) {
	page, ok := f.pages[rawURL]
	if !ok {
		return scraper.Page{StatusCode: 404}, nil
	}
	return page, nil
}

func TestListStudiosParsesIndex(t *testing.T) {
	t.Parallel()

	client, err := NewCatalogClient(pageFetcher{pages: map[string]scraper.Page{
		"https://catalog.example.com/studios": {StatusCode: 200, Body: []byte(studioIndexHTML)},
	}}, "https://catalog.example.com/", nil)
	require.NoError(t, err)

	studios, err := client.ListStudios(context.Background())
	require.NoError(t, err)
	require.Len(t, studios, 2)
	require.Equal(t, "Iron Anchor", studios[0].Name)
	require.Equal(t, "Portland", studios[0].Location.City)
	require.Equal(t, "https://catalog.example.com/studios/s1/roster", studios[0].CatalogURL)
	require.Equal(t, "https://catalog.example.com/studios/s2/roster", studios[1].CatalogURL)
}

func TestListStudiosEmptyIndexIsTransient(t *testing.T) {
	t.Parallel()

	client, err := NewCatalogClient(pageFetcher{pages: map[string]scraper.Page{
		"https://catalog.example.com/studios": {StatusCode: 200, Body: []byte("<html><body></body></html>")},
	}}, "https://catalog.example.com", nil)
	require.NoError(t, err)

	_, err = client.ListStudios(context.Background())
	require.True(t, pipeline.IsTransient(err), "an empty index usually means a bad render, not an empty catalog")
}

func TestListProfilesSkipsIncompleteEntries(t *testing.T) {
	t.Parallel()

	client, err := NewCatalogClient(pageFetcher{pages: map[string]scraper.Page{
		"https://catalog.example.com/studios/s1/roster": {StatusCode: 200, Body: []byte(rosterHTML)},
	}}, "https://catalog.example.com", nil)
	require.NoError(t, err)

	candidates, err := client.ListProfiles(context.Background(), pipeline.Studio{
		ID:         "s1",
		CatalogURL: "https://catalog.example.com/studios/s1/roster",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "a1", candidates[0].ArtistID)
	require.Equal(t, "s1", candidates[0].StudioID)
	require.Equal(t, "https://catalog.example.com/artists/a1", candidates[0].ProfileURL)
	require.InDelta(t, 0.9, candidates[0].Confidence, 0.001)
	require.InDelta(t, 1.0, candidates[1].Confidence, 0.001)
}

func TestListProfilesMissingRosterIsPermanent(t *testing.T) {
	t.Parallel()

	client, err := NewCatalogClient(pageFetcher{pages: nil}, "https://catalog.example.com", nil)
	require.NoError(t, err)

	_, err = client.ListProfiles(context.Background(), pipeline.Studio{
		ID:         "s1",
		CatalogURL: "https://catalog.example.com/gone",
	})
	require.True(t, pipeline.IsPermanent(err))
}
