// Package denylist enforces the removal governance policy.
package denylist

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// Gate answers "is this artist blocked?" against the durable denylist
// store. A short-TTL cache absorbs hot lookups but is never
// authoritative: a store error propagates so callers fail closed
// instead of treating unknown as allowed.
type Gate struct {
	store  pipeline.DenylistStore
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewGate constructs a Gate. A zero ttl disables caching.
func NewGate(store pipeline.DenylistStore, ttl time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	var c *gocache.Cache
	if ttl > 0 {
		c = gocache.New(ttl, 2*ttl)
	}
	return &Gate{store: store, cache: c, logger: logger}
}

// Blocked reports whether the artist has an approved removal. Store
// errors are returned as-is; callers must treat them as "blocked".
func (g *Gate) Blocked(ctx context.Context, artistID string) (bool, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(artistID); ok {
			return v.(bool), nil
		}
	}
	blocked, err := g.store.IsApproved(ctx, artistID)
	if err != nil {
		return false, fmt.Errorf("denylist lookup: %w", err)
	}
	if g.cache != nil {
		g.cache.SetDefault(artistID, blocked)
	}
	return blocked, nil
}

// SnapshotApproved loads the full approved set, used by the extraction
// stage to filter a batch of candidates with one round trip.
func (g *Gate) SnapshotApproved(ctx context.Context) (map[string]bool, error) {
	ids, err := g.store.ApprovedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("denylist snapshot: %w", err)
	}
	return ids, nil
}

// Invalidate drops a cached verdict, called after approvals so a
// mid-run decision takes effect within the TTL regardless.
func (g *Gate) Invalidate(artistID string) {
	if g.cache != nil {
		g.cache.Delete(artistID)
	}
}
