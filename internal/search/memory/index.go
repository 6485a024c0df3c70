// Package memory provides an in-memory search index for development
// and tests. Documents are idempotent upserts keyed by artist id.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Index is a small inverted-index over artist documents supporting
// free-text, style, and city queries.
type Index struct {
	mu   sync.RWMutex
	docs map[string]pipeline.Artist

	// failing simulates index unavailability for breaker tests.
	failing bool
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{docs: make(map[string]pipeline.Artist)}
}

// SetFailing toggles simulated unavailability.
func (i *Index) SetFailing(failing bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failing = failing
}

// Upsert stores a document, replacing any existing one with the same
// id. Replaying the same document is a no-op beyond the overwrite.
func (i *Index) Upsert(_ context.Context, artist pipeline.Artist) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failing {
		return pipeline.ErrIndexDown
	}
	i.docs[artist.ID] = artist
	return nil
}

// Delete removes a document. Deleting an absent id is not an error so
// replayed delete events stay idempotent.
func (i *Index) Delete(_ context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failing {
		return pipeline.ErrIndexDown
	}
	delete(i.docs, id)
	return nil
}

// Get returns a document by id, mainly for tests.
func (i *Index) Get(id string) (pipeline.Artist, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc, ok := i.docs[id]
	return doc, ok
}

// Query runs a ranked match over the documents. Suppressed artists are
// never returned.
func (i *Index) Query(_ context.Context, req pipeline.QueryRequest) (pipeline.QueryResult, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.failing {
		return pipeline.QueryResult{}, pipeline.ErrIndexDown
	}

	var matches []pipeline.Artist
	for _, doc := range i.docs {
		if doc.Suppressed {
			continue
		}
		if !matchText(doc, req.Text) || !matchStyles(doc, req.Styles) || !matchCity(doc, req.City) {
			continue
		}
		matches = append(matches, doc)
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Rating != matches[b].Rating {
			return matches[a].Rating > matches[b].Rating
		}
		return matches[a].ID < matches[b].ID
	})

	page, size := normalizePage(req.Page, req.PageSize)
	total := len(matches)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return pipeline.QueryResult{
		Artists:  matches[start:end],
		Total:    total,
		Page:     page,
		PageSize: size,
		Source:   "index",
	}, nil
}

func matchText(doc pipeline.Artist, text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return true
	}
	haystack := strings.ToLower(doc.Name + " " + doc.Bio + " " + strings.Join(doc.Styles, " "))
	for _, term := range strings.Fields(text) {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func matchStyles(doc pipeline.Artist, styles []string) bool {
	if len(styles) == 0 {
		return true
	}
	have := make(map[string]bool, len(doc.Styles))
	for _, s := range doc.Styles {
		have[strings.ToLower(s)] = true
	}
	for _, want := range styles {
		if !have[strings.ToLower(want)] {
			return false
		}
	}
	return true
}

func matchCity(doc pipeline.Artist, city string) bool {
	if city == "" {
		return true
	}
	return strings.EqualFold(doc.Location.City, city)
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
