package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// RunStore keeps workflow runs in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]pipeline.WorkflowRun
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]pipeline.WorkflowRun)}
}

// SaveRun upserts a run snapshot; the orchestrator persists one at
// every transition so replays overwrite rather than duplicate.
func (s *RunStore) SaveRun(_ context.Context, run pipeline.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stages := make(map[string]pipeline.StageStatus, len(run.Stages))
	for k, v := range run.Stages {
		stages[k] = v
	}
	run.Stages = stages
	s.runs[run.ID] = run
	return nil
}

// GetRun returns a run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (pipeline.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return pipeline.WorkflowRun{}, fmt.Errorf("run %s: %w", id, pipeline.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns the most recently started runs.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]pipeline.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.WorkflowRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
