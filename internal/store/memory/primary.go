// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// PrimaryStore holds artist and studio records in maps and emits a
// change-capture event for every artist write.
type PrimaryStore struct {
	mu      sync.RWMutex
	artists map[string]pipeline.Artist
	studios map[string]pipeline.Studio
	feed    pipeline.ChangeFeed
	shard   string
	clock   pipeline.Clock
}

// NewPrimaryStore constructs a PrimaryStore. The feed may be nil when
// change capture is not needed (some tests).
func NewPrimaryStore(feed pipeline.ChangeFeed, shard string, clock pipeline.Clock) *PrimaryStore {
	if shard == "" {
		shard = "default"
	}
	return &PrimaryStore{
		artists: make(map[string]pipeline.Artist),
		studios: make(map[string]pipeline.Studio),
		feed:    feed,
		shard:   shard,
		clock:   clock,
	}
}

// UpsertArtist merges the incoming record onto any existing one and
// stores the result. Writing identical content twice leaves the store
// exactly as a single write would: same version, no second change
// event.
func (s *PrimaryStore) UpsertArtist(ctx context.Context, artist pipeline.Artist) (pipeline.Artist, error) {
	s.mu.Lock()
	existing, exists := s.artists[artist.ID]
	if exists {
		artist = pipeline.MergeArtist(existing, artist)
		if artist.Version == existing.Version {
			s.mu.Unlock()
			return existing, nil
		}
	} else if artist.Version == 0 {
		artist.Version = 1
	}
	artist.UpdatedAt = s.clock.Now()
	s.artists[artist.ID] = artist
	s.mu.Unlock()

	if err := s.emit(ctx, pipeline.ChangeUpsert, artist.ID, artist.Version); err != nil {
		return pipeline.Artist{}, err
	}
	return artist, nil
}

// GetArtist returns a record by id.
func (s *PrimaryStore) GetArtist(_ context.Context, id string) (pipeline.Artist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artist, ok := s.artists[id]
	if !ok {
		return pipeline.Artist{}, fmt.Errorf("artist %s: %w", id, pipeline.ErrNotFound)
	}
	return artist, nil
}

// DeleteArtist suppresses a record rather than hard-deleting it, then
// emits a delete event so the index drops the document.
func (s *PrimaryStore) DeleteArtist(ctx context.Context, id string) error {
	s.mu.Lock()
	artist, ok := s.artists[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("artist %s: %w", id, pipeline.ErrNotFound)
	}
	artist.Suppressed = true
	artist.Version++
	artist.UpdatedAt = s.clock.Now()
	s.artists[id] = artist
	s.mu.Unlock()

	return s.emit(ctx, pipeline.ChangeDelete, id, artist.Version)
}

// ListArtists returns records ordered by id for stable pagination.
func (s *PrimaryStore) ListArtists(_ context.Context, limit, offset int) ([]pipeline.Artist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.artists))
	for id := range s.artists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []pipeline.Artist
	for i, id := range ids {
		if i < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.artists[id])
	}
	return out, nil
}

// UpsertStudio stores a studio record keyed by id.
func (s *PrimaryStore) UpsertStudio(_ context.Context, studio pipeline.Studio) (pipeline.Studio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	studio.UpdatedAt = s.clock.Now()
	s.studios[studio.ID] = studio
	return studio, nil
}

// GetStudio returns a studio by id.
func (s *PrimaryStore) GetStudio(_ context.Context, id string) (pipeline.Studio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	studio, ok := s.studios[id]
	if !ok {
		return pipeline.Studio{}, fmt.Errorf("studio %s: %w", id, pipeline.ErrNotFound)
	}
	return studio, nil
}

// ListStudios returns studios ordered by id.
func (s *PrimaryStore) ListStudios(_ context.Context, limit, offset int) ([]pipeline.Studio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.studios))
	for id := range s.studios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []pipeline.Studio
	for i, id := range ids {
		if i < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.studios[id])
	}
	return out, nil
}

func (s *PrimaryStore) emit(ctx context.Context, kind pipeline.ChangeKind, artistID string, version int64) error {
	if s.feed == nil {
		return nil
	}
	event := pipeline.ChangeEvent{
		Shard:      s.shard,
		Kind:       kind,
		ArtistID:   artistID,
		Version:    version,
		OccurredAt: s.clock.Now(),
	}
	if err := s.feed.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}
