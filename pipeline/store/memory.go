package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
//
// It is safe for concurrent use. Data is lost when the process exits, so it
// is meant for tests and for `--store memory` dry runs.
type MemStore[S any] struct {
	mu    sync.RWMutex
	steps map[string][]StepRecord[S] // runID -> steps
	now   func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps: make(map[string][]StepRecord[S]),
		now:   time.Now,
	}
}

// SaveStep stores or replaces the record for (runID, step).
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, stageID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := StepRecord[S]{
		Step:      step,
		StageID:   stageID,
		State:     state,
		CreatedAt: m.now(),
	}

	records := m.steps[runID]
	for i := range records {
		if records[i].Step == step {
			records[i] = record
			return nil
		}
	}
	m.steps[runID] = append(records, record)
	return nil
}

// LoadLatest returns the highest-numbered step, tolerating out-of-order saves.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.steps[runID]
	if len(records) == 0 {
		return StepRecord[S]{}, ErrNotFound
	}

	latest := records[0]
	for _, r := range records[1:] {
		if r.Step > latest.Step {
			latest = r
		}
	}
	return latest, nil
}

// ListSteps returns a copy of the run's steps ordered by step number.
func (m *MemStore[S]) ListSteps(_ context.Context, runID string) ([]StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.steps[runID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	out := make([]StepRecord[S], len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// ListRuns summarises every run, most recently updated first.
func (m *MemStore[S]) ListRuns(_ context.Context, limit int) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]RunSummary, 0, len(m.steps))
	for runID, records := range m.steps {
		if len(records) == 0 {
			continue
		}
		summary := RunSummary{RunID: runID}
		for _, r := range records {
			if r.Step > summary.LastStep {
				summary.LastStep = r.Step
				summary.LastStageID = r.StageID
			}
			if r.CreatedAt.After(summary.UpdatedAt) {
				summary.UpdatedAt = r.CreatedAt
			}
		}
		runs = append(runs, summary)
	}

	sortRuns(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func sortRuns(runs []RunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].UpdatedAt.Equal(runs[j].UpdatedAt) {
			return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
