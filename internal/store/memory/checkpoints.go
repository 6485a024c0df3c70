package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// CheckpointStore keeps sync checkpoints in memory.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]pipeline.SyncCheckpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]pipeline.SyncCheckpoint)}
}

// GetCheckpoint returns the checkpoint for a shard. A shard with no
// checkpoint yet returns ErrNotFound; the sync worker starts from zero.
func (s *CheckpointStore) GetCheckpoint(_ context.Context, shard string) (pipeline.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[shard]
	if !ok {
		return pipeline.SyncCheckpoint{}, fmt.Errorf("checkpoint %s: %w", shard, pipeline.ErrNotFound)
	}
	return cp, nil
}

// SaveCheckpoint advances the checkpoint; regressions are rejected so a
// replayed batch cannot move processing backwards.
func (s *CheckpointStore) SaveCheckpoint(_ context.Context, cp pipeline.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.checkpoints[cp.Shard]; ok && existing.Sequence > cp.Sequence {
		return fmt.Errorf("checkpoint %s: sequence %d behind %d: %w",
			cp.Shard, cp.Sequence, existing.Sequence, pipeline.ErrStaleVersion)
	}
	s.checkpoints[cp.Shard] = cp
	return nil
}
