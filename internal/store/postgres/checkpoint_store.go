package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// CheckpointStore persists sync checkpoints per shard in Postgres.
type CheckpointStore struct {
	pool dbPool
}

// NewCheckpointStore constructs a CheckpointStore over an existing pool.
func NewCheckpointStore(pool dbPool) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// GetCheckpoint returns the checkpoint for a shard. A shard with no
// checkpoint yet returns ErrNotFound; the sync worker starts from zero.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, shard string) (pipeline.SyncCheckpoint, error) {
	var cp pipeline.SyncCheckpoint
	err := s.pool.QueryRow(ctx, `
		SELECT shard, sequence, applied_at FROM sync_checkpoints WHERE shard = $1`,
		shard).Scan(&cp.Shard, &cp.Sequence, &cp.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.SyncCheckpoint{}, fmt.Errorf("checkpoint %s: %w", shard, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.SyncCheckpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint advances the checkpoint. The conflict guard rejects
// regressions so a replayed batch cannot move processing backwards.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp pipeline.SyncCheckpoint) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (shard, sequence, applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (shard) DO UPDATE
		SET sequence = EXCLUDED.sequence, applied_at = EXCLUDED.applied_at
		WHERE sync_checkpoints.sequence <= EXCLUDED.sequence`,
		cp.Shard, cp.Sequence, cp.AppliedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s: sequence %d regressed: %w",
			cp.Shard, cp.Sequence, pipeline.ErrStaleVersion)
	}
	return nil
}
