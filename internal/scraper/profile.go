package scraper

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// ParseProfile extracts an artist record from a profile document. The
// source catalog marks profile fields with data attributes and a small
// set of stable classes.
func ParseProfile(body []byte, sourceURL string) (pipeline.Artist, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pipeline.Artist{}, fmt.Errorf("parse profile html: %w", err)
	}

	profile := doc.Find("[data-artist-id]").First()
	if profile.Length() == 0 {
		return pipeline.Artist{}, fmt.Errorf("profile markup missing artist id")
	}

	artist := pipeline.Artist{
		ID:        strings.TrimSpace(profile.AttrOr("data-artist-id", "")),
		Name:      text(doc, ".artist-name"),
		Bio:       text(doc, ".artist-bio"),
		SourceURL: sourceURL,
		Location: pipeline.Location{
			Address: text(doc, ".location .address"),
			City:    text(doc, ".location .city"),
			Region:  text(doc, ".location .region"),
			Country: text(doc, ".location .country"),
		},
		Contact: pipeline.Contact{
			Website:   text(doc, ".contact .website"),
			Instagram: text(doc, ".contact .instagram"),
		},
	}
	if artist.ID == "" {
		return pipeline.Artist{}, fmt.Errorf("profile markup has empty artist id")
	}
	if artist.Name == "" {
		return pipeline.Artist{}, fmt.Errorf("profile %s missing artist name", artist.ID)
	}

	doc.Find(".styles li").Each(func(_ int, sel *goquery.Selection) {
		if style := strings.TrimSpace(sel.Text()); style != "" {
			artist.Styles = append(artist.Styles, strings.ToLower(style))
		}
	})
	doc.Find(".portfolio img[src]").Each(func(_ int, sel *goquery.Selection) {
		if src := strings.TrimSpace(sel.AttrOr("src", "")); src != "" {
			artist.MediaURLs = append(artist.MediaURLs, src)
		}
	})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := sel.AttrOr("href", "")
		switch {
		case strings.HasPrefix(href, "mailto:") && artist.Contact.Email == "":
			artist.Contact.Email = strings.TrimPrefix(href, "mailto:")
		case strings.HasPrefix(href, "tel:") && artist.Contact.Phone == "":
			artist.Contact.Phone = strings.TrimPrefix(href, "tel:")
		}
	})

	if raw := profile.AttrOr("data-rating", ""); raw != "" {
		if rating, perr := strconv.ParseFloat(raw, 64); perr == nil {
			artist.Rating = rating
		}
	}
	if raw := profile.AttrOr("data-hourly-rate", ""); raw != "" {
		if rate, perr := strconv.Atoi(raw); perr == nil {
			artist.HourlyRate = rate
		}
	}
	return artist, nil
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}
