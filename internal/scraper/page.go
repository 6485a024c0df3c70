// Package scraper fetches and parses artist profile pages.
package scraper

import (
	"context"
	"net/http"
)

// Page is one fetched profile document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	UsedJS     bool
}

// Fetcher retrieves a page over plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Renderer executes a page with JavaScript enabled and returns the DOM
// snapshot. Used as a fallback when the plain fetch looks like an
// unrendered app shell.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
}

// Limiter gates outbound requests per target domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}
