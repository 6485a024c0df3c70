package denylist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// Service handles removal intake and approval. Approval purges the
// artist from the primary store and the search index; the purge must
// land within the configured SLA, so it runs synchronously here rather
// than waiting for change-feed propagation.
type Service struct {
	store   pipeline.DenylistStore
	primary pipeline.PrimaryStore
	index   pipeline.SearchIndex
	gate    *Gate
	idGen   pipeline.IDGenerator
	clock   pipeline.Clock
	logger  *zap.Logger
}

// NewService constructs a Service.
func NewService(
	store pipeline.DenylistStore,
	primary pipeline.PrimaryStore,
	index pipeline.SearchIndex,
	gate *Gate,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		primary: primary,
		index:   index,
		gate:    gate,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
	}
}

// SubmitRemoval records a removal request in pending-review status and
// returns the entry, whose id doubles as the acknowledgement token.
// Nothing is written to the primary store or index until approval.
func (s *Service) SubmitRemoval(ctx context.Context, artistID, reason, contact string) (pipeline.DenylistEntry, error) {
	if artistID == "" {
		return pipeline.DenylistEntry{}, errors.New("artist id required")
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return pipeline.DenylistEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	entry := pipeline.DenylistEntry{
		ID:        id,
		ArtistID:  artistID,
		Reason:    reason,
		Contact:   contact,
		Status:    pipeline.DenylistPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return pipeline.DenylistEntry{}, fmt.Errorf("create denylist entry: %w", err)
	}
	s.logger.Info("removal request recorded", zap.String("entry_id", id))
	return entry, nil
}

// Approve transitions an entry to approved and purges the artist from
// both stores. The denylist row itself is never deleted.
func (s *Service) Approve(ctx context.Context, entryID string) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return fmt.Errorf("load denylist entry: %w", err)
	}
	now := s.clock.Now()
	if err := s.store.SetStatus(ctx, entryID, pipeline.DenylistApproved, now); err != nil {
		return fmt.Errorf("approve denylist entry: %w", err)
	}
	if s.gate != nil {
		s.gate.Invalidate(entry.ArtistID)
	}

	if err := s.purge(ctx, entry.ArtistID); err != nil {
		return err
	}
	if err := s.store.MarkPurged(ctx, entryID, s.clock.Now()); err != nil {
		return fmt.Errorf("record purge completion: %w", err)
	}
	metrics.ObservePurge()
	s.logger.Info("approved removal purged", zap.String("entry_id", entryID))
	return nil
}

// Reject transitions an entry to rejected without touching any record.
func (s *Service) Reject(ctx context.Context, entryID string) error {
	if err := s.store.SetStatus(ctx, entryID, pipeline.DenylistRejected, s.clock.Now()); err != nil {
		return fmt.Errorf("reject denylist entry: %w", err)
	}
	return nil
}

// purge suppresses the record in the primary store and drops the index
// document. An artist that was never scraped has nothing to purge.
func (s *Service) purge(ctx context.Context, artistID string) error {
	if err := s.primary.DeleteArtist(ctx, artistID); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("purge primary record: %w", err)
	}
	if err := s.index.Delete(ctx, artistID); err != nil {
		return fmt.Errorf("purge index document: %w", err)
	}
	return nil
}
