package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/inkdex/inkdex/internal/pipeline"
)

func TestSaveCheckpointAdvances(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	cp := pipeline.SyncCheckpoint{Shard: "default", Sequence: 42, AppliedAt: time.Now().UTC()}
	mock.ExpectExec("INSERT INTO sync_checkpoints").
		WithArgs(cp.Shard, cp.Sequence, cp.AppliedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCheckpoint(context.Background(), cp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCheckpointRejectsRegression(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	cp := pipeline.SyncCheckpoint{Shard: "default", Sequence: 7, AppliedAt: time.Now().UTC()}
	mock.ExpectExec("INSERT INTO sync_checkpoints").
		WithArgs(cp.Shard, cp.Sequence, cp.AppliedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.SaveCheckpoint(context.Background(), cp)
	require.ErrorIs(t, err, pipeline.ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpointMissingShard(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT shard, sequence, applied_at").
		WithArgs("fresh").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetCheckpoint(context.Background(), "fresh")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
