package scraper

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// ProfileScraper fetches one artist profile, falls back to the headless
// renderer when the plain fetch returns an app shell, and parses the
// document into an artist record. When an archive is configured, the
// raw snapshot is stored before the record is returned so the audit
// trail never lags the data.
type ProfileScraper struct {
	fetcher  Fetcher
	renderer Renderer
	detector *RenderDetector
	limiter  Limiter
	archive  pipeline.Archive
	clock    pipeline.Clock
	logger   *zap.Logger
}

// NewProfileScraper constructs a ProfileScraper. Renderer, detector,
// limiter, and archive are optional.
func NewProfileScraper(
	fetcher Fetcher,
	renderer Renderer,
	detector *RenderDetector,
	limiter Limiter,
	archive pipeline.Archive,
	clock pipeline.Clock,
	logger *zap.Logger,
) *ProfileScraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileScraper{
		fetcher:  fetcher,
		renderer: renderer,
		detector: detector,
		limiter:  limiter,
		archive:  archive,
		clock:    clock,
		logger:   logger,
	}
}

// Scrape fetches and parses the job's profile page.
func (s *ProfileScraper) Scrape(ctx context.Context, job pipeline.ScrapeJob) (pipeline.Artist, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, job.ProfileURL); err != nil {
			return pipeline.Artist{}, pipeline.Transient("rate limit wait", err)
		}
	}

	page, err := s.fetcher.Fetch(ctx, job.ProfileURL)
	if err != nil {
		return pipeline.Artist{}, pipeline.Transient("fetch profile", err)
	}
	if err := classifyStatus(page.StatusCode); err != nil {
		return pipeline.Artist{}, err
	}

	if s.renderer != nil && s.detector != nil && s.detector.NeedsRender(page) {
		rendered, rerr := s.renderer.Render(ctx, job.ProfileURL)
		if rerr != nil {
			// The unrendered body may still parse; keep it and let the
			// parser decide.
			s.logger.Warn("headless fallback failed",
				zap.String("artist_id", job.ArtistID),
				zap.Error(rerr))
		} else {
			page = rendered
		}
	}

	artist, err := ParseProfile(page.Body, page.FinalURL)
	if err != nil {
		return pipeline.Artist{}, pipeline.Permanent("parse profile", err)
	}
	if artist.ID == "" {
		artist.ID = job.ArtistID
	}
	artist.StudioID = job.StudioID
	artist.ScrapedAt = s.clock.Now()

	if s.archive != nil {
		path := fmt.Sprintf("runs/%s/%s.html", job.RunID, job.ArtistID)
		uri, aerr := s.archive.PutSnapshot(ctx, path, "text/html", page.Body)
		if aerr != nil {
			return pipeline.Artist{}, pipeline.Transient("archive snapshot", aerr)
		}
		if artist.Tags == nil {
			artist.Tags = make(map[string]string)
		}
		artist.Tags["snapshot_uri"] = uri
	}
	return artist, nil
}

// classifyStatus splits HTTP failures into retryable and terminal.
// Rate limiting and server errors are transient; a missing or forbidden
// profile will not improve on retry.
func classifyStatus(code int) error {
	switch {
	case code == 0 || (code >= 200 && code < 300):
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return pipeline.Transient("fetch profile", fmt.Errorf("status %d", code))
	default:
		return pipeline.Permanent("fetch profile", fmt.Errorf("status %d", code))
	}
}
