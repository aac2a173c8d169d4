// Package store persists pipeline run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store persists the state of a pipeline run after each completed stage.
//
// The engine calls SaveStep once per successful stage; Resume uses
// LoadLatest to find where an interrupted run stopped. The history
// operations back the CLI's "history" command.
//
// Type parameter S is the run state; database-backed implementations
// require it to be JSON-serializable.
type Store[S any] interface {
	// SaveStep persists state after stage stageID completed as step number
	// step (1-based) of run runID. Saving the same (runID, step) twice
	// replaces the earlier record.
	SaveStep(ctx context.Context, runID string, step int, stageID string, state S) error

	// LoadLatest returns the record with the highest step for runID,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (StepRecord[S], error)

	// ListSteps returns every step of runID ordered by step, or ErrNotFound.
	ListSteps(ctx context.Context, runID string) ([]StepRecord[S], error)

	// ListRuns returns run summaries, most recently updated first.
	// A limit <= 0 returns all runs.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// StepRecord is one persisted stage completion.
type StepRecord[S any] struct {
	Step      int       `json:"step"`
	StageID   string    `json:"stage_id"`
	State     S         `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// RunSummary describes the latest known position of a run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	LastStep    int       `json:"last_step"`
	LastStageID string    `json:"last_stage_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}
