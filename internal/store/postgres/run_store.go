package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// RunStore persists workflow run snapshots in Postgres. The
// orchestrator saves one at every transition, so writes are upserts.
type RunStore struct {
	pool dbPool
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// SaveRun upserts a run snapshot.
func (s *RunStore) SaveRun(ctx context.Context, run pipeline.WorkflowRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (id, state, doc, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at`,
		run.ID, run.State, doc, run.StartedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun returns a run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (pipeline.WorkflowRun, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM workflow_runs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.WorkflowRun{}, fmt.Errorf("run %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.WorkflowRun{}, fmt.Errorf("get run: %w", err)
	}
	var run pipeline.WorkflowRun
	if err := json.Unmarshal(doc, &run); err != nil {
		return pipeline.WorkflowRun{}, fmt.Errorf("decode stored run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]pipeline.WorkflowRun, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM workflow_runs ORDER BY started_at DESC LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.WorkflowRun
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var run pipeline.WorkflowRun
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("decode stored run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
