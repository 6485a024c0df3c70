// Package ratelimit provides per-domain request pacing for scrapes.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// PerDomain gates outbound requests so each source domain sees at most
// qps requests per second, independent of the worker pool size.
type PerDomain struct {
	qps      float64
	burst    int
	limiters sync.Map
}

// NewPerDomain constructs a limiter. A non-positive qps disables
// limiting entirely.
func NewPerDomain(qps float64, burst int) *PerDomain {
	if burst <= 0 {
		burst = 1
	}
	return &PerDomain{qps: qps, burst: burst}
}

// Wait blocks until the domain of rawURL has budget or ctx ends.
func (l *PerDomain) Wait(ctx context.Context, rawURL string) error {
	if l.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url for rate limit: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(l.qps), l.burst))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait domain budget: %w", err)
	}
	return nil
}
