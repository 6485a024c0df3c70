package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// DenylistStore keeps removal requests in memory. Entries are
// append-only; status transitions mutate in place but rows are never
// removed so the audit trail survives.
type DenylistStore struct {
	mu      sync.RWMutex
	entries map[string]pipeline.DenylistEntry
	// byArtist indexes entry ids per artist for approval lookups.
	byArtist map[string][]string

	// failing simulates store unavailability for fail-closed tests.
	failing bool
}

// NewDenylistStore constructs an empty DenylistStore.
func NewDenylistStore() *DenylistStore {
	return &DenylistStore{
		entries:  make(map[string]pipeline.DenylistEntry),
		byArtist: make(map[string][]string),
	}
}

// SetFailing toggles simulated unavailability.
func (s *DenylistStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *DenylistStore) checkUp() error {
	if s.failing {
		return pipeline.ErrDenylistDown
	}
	return nil
}

// CreateEntry appends a removal request.
func (s *DenylistStore) CreateEntry(_ context.Context, entry pipeline.DenylistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("denylist entry %s already exists", entry.ID)
	}
	s.entries[entry.ID] = entry
	s.byArtist[entry.ArtistID] = append(s.byArtist[entry.ArtistID], entry.ID)
	return nil
}

// GetEntry returns an entry by id.
func (s *DenylistStore) GetEntry(_ context.Context, id string) (pipeline.DenylistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkUp(); err != nil {
		return pipeline.DenylistEntry{}, err
	}
	entry, ok := s.entries[id]
	if !ok {
		return pipeline.DenylistEntry{}, fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	return entry, nil
}

// SetStatus transitions an entry's review status.
func (s *DenylistStore) SetStatus(_ context.Context, id string, status pipeline.DenylistStatus, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	entry.Status = status
	entry.DecidedAt = &decidedAt
	s.entries[id] = entry
	return nil
}

// MarkPurged records purge completion for an approved entry.
func (s *DenylistStore) MarkPurged(_ context.Context, id string, purgedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("denylist entry %s: %w", id, pipeline.ErrNotFound)
	}
	entry.PurgedAt = &purgedAt
	s.entries[id] = entry
	return nil
}

// ApprovedIDs returns artist ids with at least one approved entry.
func (s *DenylistStore) ApprovedIDs(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkUp(); err != nil {
		return nil, err
	}
	approved := make(map[string]bool)
	for _, entry := range s.entries {
		if entry.Status == pipeline.DenylistApproved {
			approved[entry.ArtistID] = true
		}
	}
	return approved, nil
}

// IsApproved reports whether the artist id has an approved entry.
func (s *DenylistStore) IsApproved(_ context.Context, artistID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkUp(); err != nil {
		return false, err
	}
	for _, entryID := range s.byArtist[artistID] {
		if s.entries[entryID].Status == pipeline.DenylistApproved {
			return true, nil
		}
	}
	return false, nil
}
