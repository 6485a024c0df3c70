// Package colly implements the profile fetcher on the Colly collector.
package colly

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/scraper"
)

// Config controls the Colly collector.
type Config struct {
	UserAgent      string
	Concurrency    int
	RequestTimeout time.Duration
	// DomainDelay spaces requests to the same domain; Colly enforces it
	// below the per-domain limiter as a hard floor.
	DomainDelay time.Duration
}

// Fetcher implements scraper.Fetcher using a shared Colly collector.
type Fetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewFetcher constructs a configured Colly-based fetcher.
func NewFetcher(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := max(1, cfg.Concurrency)

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: concurrency,
		Delay:       cfg.DomainDelay,
	}); err != nil {
		return nil, err
	}

	return &Fetcher{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Fetch retrieves a page via a clone of the base collector. Non-2xx
// responses are returned as pages, not errors, so the caller can
// classify them.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scraper.Page, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(fetchResult{page: scraper.Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
		}})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{page: scraper.Page{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Body:       append([]byte{}, r.Body...),
			}})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return scraper.Page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return scraper.Page{}, err
		}
		return res.page, res.err
	default:
		return scraper.Page{}, errors.New("colly fetch produced no result")
	}
}

type fetchResult struct {
	page scraper.Page
	err  error
}
