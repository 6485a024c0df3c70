package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/breaker"
	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// Reader serves search queries from the index, falling back to a
// primary store scan when the breaker is open or the index call fails.
// Every query gets an answer; the fallback marks results degraded so
// callers can tell which store responded.
type Reader struct {
	index   pipeline.SearchIndex
	primary pipeline.PrimaryStore
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewReader constructs a Reader.
func NewReader(index pipeline.SearchIndex, primary pipeline.PrimaryStore, brk *breaker.Breaker, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{index: index, primary: primary, breaker: brk, logger: logger}
}

// Query answers a search request. Index failures feed the breaker and
// divert to the primary store scan; they never surface to the caller.
func (r *Reader) Query(ctx context.Context, req pipeline.QueryRequest) (pipeline.QueryResult, error) {
	if r.breaker.Allow() {
		res, err := r.index.Query(ctx, req)
		r.breaker.Record(err == nil)
		metrics.SetBreakerState(int(r.breaker.State()))
		if err == nil {
			return res, nil
		}
		r.logger.Warn("index query failed, falling back", zap.Error(err))
	} else {
		metrics.SetBreakerState(int(r.breaker.State()))
	}

	metrics.ObserveReadFallback()
	return r.fallback(ctx, req)
}

// BreakerState exposes the breaker mode for status reporting.
func (r *Reader) BreakerState() breaker.State {
	return r.breaker.State()
}

// fallback scans the primary store with the same matching rules the
// index applies. Slower and unranked by freshness, but always
// consistent with the system of record.
func (r *Reader) fallback(ctx context.Context, req pipeline.QueryRequest) (pipeline.QueryResult, error) {
	artists, err := r.primary.ListArtists(ctx, 0, 0)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("fallback scan: %w", err)
	}

	var matches []pipeline.Artist
	for _, artist := range artists {
		if artist.Suppressed {
			continue
		}
		if !matchQuery(artist, req) {
			continue
		}
		matches = append(matches, artist)
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
		Degraded: true,
		Source:   "primary",
	}, nil
}

func matchQuery(artist pipeline.Artist, req pipeline.QueryRequest) bool {
	if text := strings.ToLower(strings.TrimSpace(req.Text)); text != "" {
		haystack := strings.ToLower(artist.Name + " " + artist.Bio + " " + strings.Join(artist.Styles, " "))
		for _, term := range strings.Fields(text) {
			if !strings.Contains(haystack, term) {
				return false
			}
		}
	}
	if len(req.Styles) > 0 {
		have := make(map[string]bool, len(artist.Styles))
		for _, s := range artist.Styles {
			have[strings.ToLower(s)] = true
		}
		for _, want := range req.Styles {
			if !have[strings.ToLower(want)] {
				return false
			}
		}
	}
	if req.City != "" && !strings.EqualFold(artist.Location.City, req.City) {
		return false
	}
	return true
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
