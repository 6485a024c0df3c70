// Package reconcile repairs the studio/artist reference pair after a
// run. Scrapes land one record at a time, so the two sides of the
// relationship can drift: a studio may list an artist that was never
// scraped or has been suppressed, and an artist may point at a studio
// that forgot it.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Report summarizes one reconciliation pass.
type Report struct {
	StudiosChecked int
	ArtistsChecked int
	RefsDropped    int
	RefsAdded      int
	Warnings       []string
}

// Reconciler walks the primary store and repairs studio rosters in
// place. Inconsistencies it cannot repair become warnings, never
// failures.
type Reconciler struct {
	primary pipeline.PrimaryStore
	logger  *zap.Logger
}

// New constructs a Reconciler.
func New(primary pipeline.PrimaryStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{primary: primary, logger: logger}
}

// Run performs one full pass. Roster repairs are written back through
// UpsertStudio; artist records are never rewritten here because studio
// membership on the artist side comes from the scrape itself.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	studios, err := r.primary.ListStudios(ctx, 0, 0)
	if err != nil {
		return report, fmt.Errorf("list studios: %w", err)
	}
	artists, err := r.primary.ListArtists(ctx, 0, 0)
	if err != nil {
		return report, fmt.Errorf("list artists: %w", err)
	}
	report.StudiosChecked = len(studios)
	report.ArtistsChecked = len(artists)

	byID := make(map[string]pipeline.Artist, len(artists))
	for _, artist := range artists {
		byID[artist.ID] = artist
	}
	studioByID := make(map[string]pipeline.Studio, len(studios))
	for _, studio := range studios {
		studioByID[studio.ID] = studio
	}

	// Forward side: drop roster entries whose artist is missing or
	// suppressed, and pick up artists the roster missed.
	for _, studio := range studios {
		kept := make([]string, 0, len(studio.ArtistIDs))
		changed := false
		for _, artistID := range studio.ArtistIDs {
			artist, ok := byID[artistID]
			if !ok || artist.Suppressed {
				report.RefsDropped++
				changed = true
				r.logger.Warn("dropped orphaned roster entry",
					zap.String("studio_id", studio.ID),
					zap.String("artist_id", artistID))
				continue
			}
			kept = append(kept, artistID)
		}
		studio.ArtistIDs = kept

		listed := make(map[string]bool, len(kept))
		for _, id := range kept {
			listed[id] = true
		}
		for _, artist := range artists {
			if artist.Suppressed || artist.StudioID != studio.ID || listed[artist.ID] {
				continue
			}
			studio.ArtistIDs = append(studio.ArtistIDs, artist.ID)
			report.RefsAdded++
			changed = true
		}

		if changed {
			if _, err := r.primary.UpsertStudio(ctx, studio); err != nil {
				return report, fmt.Errorf("repair studio %s: %w", studio.ID, err)
			}
		}
	}

	// Reverse side: an artist pointing at an unknown studio is only a
	// warning. The reference came from the source page and may resolve
	// once the studio is discovered.
	for _, artist := range artists {
		if artist.Suppressed || artist.StudioID == "" {
			continue
		}
		if _, ok := studioByID[artist.StudioID]; !ok {
			msg := fmt.Sprintf("artist %s references unknown studio %s", artist.ID, artist.StudioID)
			report.Warnings = append(report.Warnings, msg)
			r.logger.Warn("dangling studio reference",
				zap.String("artist_id", artist.ID),
				zap.String("studio_id", artist.StudioID))
		}
	}

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}
