package pipeline

import (
	"reflect"
	"time"
)

// MergeArtist applies a fresh scrape onto an existing record. Newer
// scrape wins per field, except fields listed in CuratedFields which
// were corrected by hand and must survive automatic overwrite. The
// version bumps only when the merged content differs from what is
// already stored: re-scraping identical data returns the existing
// record untouched, so stores can skip the write and the change event.
func MergeArtist(existing, scraped Artist) Artist {
	merged := scraped
	merged.ID = existing.ID
	merged.Suppressed = existing.Suppressed
	merged.CuratedFields = existing.CuratedFields

	curated := func(field string) bool {
		return existing.CuratedFields[field]
	}
	if curated("name") || scraped.Name == "" {
		merged.Name = existing.Name
	}
	if curated("bio") || scraped.Bio == "" {
		merged.Bio = existing.Bio
	}
	if curated("styles") || len(scraped.Styles) == 0 {
		merged.Styles = existing.Styles
	}
	if curated("location") || scraped.Location == (Location{}) {
		merged.Location = existing.Location
	}
	if curated("contact") || scraped.Contact == (Contact{}) {
		merged.Contact = existing.Contact
	}
	if curated("media") || len(scraped.MediaURLs) == 0 {
		merged.MediaURLs = existing.MediaURLs
	}
	if curated("rating") || scraped.Rating == 0 {
		merged.Rating = existing.Rating
	}
	if curated("hourly_rate") || scraped.HourlyRate == 0 {
		merged.HourlyRate = existing.HourlyRate
	}
	if scraped.StudioID == "" {
		merged.StudioID = existing.StudioID
	}

	if sameContent(merged, existing) {
		return existing
	}
	merged.Version = existing.Version + 1
	return merged
}

// sameContent compares two records ignoring the bookkeeping fields the
// stores manage themselves.
func sameContent(a, b Artist) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.ScrapedAt, b.ScrapedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}
