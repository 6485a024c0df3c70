// Package discovery lists studios and artist profiles from the source
// catalog.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
	"github.com/inkdex/inkdex/internal/scraper"
)

// CatalogClient implements pipeline.Catalog against the public catalog
// site. Studio and roster pages share the fetcher (and therefore the
// politeness budget) with profile scrapes.
type CatalogClient struct {
	fetcher scraper.Fetcher
	baseURL string
	logger  *zap.Logger
}

// NewCatalogClient constructs a CatalogClient rooted at baseURL.
func NewCatalogClient(fetcher scraper.Fetcher, baseURL string, logger *zap.Logger) (*CatalogClient, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("catalog base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogClient{
		fetcher: fetcher,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// ListStudios fetches the studio index and returns every studio entry.
func (c *CatalogClient) ListStudios(ctx context.Context) ([]pipeline.Studio, error) {
	indexURL := c.baseURL + "/studios"
	doc, err := c.fetchDocument(ctx, indexURL)
	if err != nil {
		return nil, err
	}

	var studios []pipeline.Studio
	doc.Find("[data-studio-id]").Each(func(_ int, sel *goquery.Selection) {
		id := strings.TrimSpace(sel.AttrOr("data-studio-id", ""))
		if id == "" {
			return
		}
		studio := pipeline.Studio{
			ID:   id,
			Name: strings.TrimSpace(sel.Find(".studio-name").First().Text()),
			Location: pipeline.Location{
				City:    strings.TrimSpace(sel.Find(".city").First().Text()),
				Region:  strings.TrimSpace(sel.Find(".region").First().Text()),
				Country: strings.TrimSpace(sel.Find(".country").First().Text()),
			},
		}
		if href := sel.Find("a[href]").First().AttrOr("href", ""); href != "" {
			studio.CatalogURL = c.resolve(indexURL, href)
		}
		studios = append(studios, studio)
	})
	if len(studios) == 0 {
		return nil, pipeline.Transient("list studios", fmt.Errorf("no studio entries at %s", indexURL))
	}
	return studios, nil
}

// ListProfiles fetches a studio's roster page and returns each listed
// artist as a candidate.
func (c *CatalogClient) ListProfiles(ctx context.Context, studio pipeline.Studio) ([]pipeline.Candidate, error) {
	if studio.CatalogURL == "" {
		return nil, pipeline.Permanent("list profiles",
			fmt.Errorf("studio %s has no catalog url", studio.ID))
	}
	doc, err := c.fetchDocument(ctx, studio.CatalogURL)
	if err != nil {
		return nil, err
	}

	var candidates []pipeline.Candidate
	doc.Find("[data-artist-id]").Each(func(_ int, sel *goquery.Selection) {
		id := strings.TrimSpace(sel.AttrOr("data-artist-id", ""))
		href := sel.AttrOr("href", "")
		if href == "" {
			href = sel.Find("a[href]").First().AttrOr("href", "")
		}
		if id == "" || href == "" {
			c.logger.Warn("skip incomplete roster entry",
				zap.String("studio_id", studio.ID),
				zap.String("artist_id", id))
			return
		}
		confidence := 1.0
		if raw := sel.AttrOr("data-confidence", ""); raw != "" {
			if parsed, perr := strconv.ParseFloat(raw, 64); perr == nil {
				confidence = parsed
			}
		}
		candidates = append(candidates, pipeline.Candidate{
			ArtistID:   id,
			StudioID:   studio.ID,
			ProfileURL: c.resolve(studio.CatalogURL, href),
			Confidence: confidence,
		})
	})
	return candidates, nil
}

func (c *CatalogClient) fetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	page, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, pipeline.Transient("fetch catalog page", err)
	}
	if page.StatusCode >= 500 || page.StatusCode == 429 {
		return nil, pipeline.Transient("fetch catalog page", fmt.Errorf("status %d", page.StatusCode))
	}
	if page.StatusCode >= 400 {
		return nil, pipeline.Permanent("fetch catalog page", fmt.Errorf("status %d", page.StatusCode))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, pipeline.Permanent("parse catalog page", err)
	}
	return doc, nil
}

func (c *CatalogClient) resolve(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}
