// Package pipeline runs an ordered list of stages over a shared state,
// persisting the state after every stage so interrupted runs can resume.
package pipeline

import (
	"context"

	"github.com/dshills/mlpipeline/pipeline/emit"
)

// Stage is one step of a pipeline.
//
// It receives the current state, does its work (usually with side effects
// on disk) and returns a StageResult. Stages run strictly one after
// another; a stage is never started before the previous one has returned.
//
// Type parameter S is the state type shared across the pipeline.
type Stage[S any] interface {
	// Run executes the stage. The context carries the stage timeout and
	// the run's wall-clock budget; long-running stages should honour it.
	Run(ctx context.Context, state S) StageResult[S]
}

// StageResult is the output of a stage execution.
type StageResult[S any] struct {
	// Delta is the partial state update produced by the stage. It is merged
	// into the run state with the engine's reducer.
	Delta S

	// Events are stage-specific observations (row counts, metrics, artefact
	// paths). The engine fills in RunID, Step and StageID before emitting.
	Events []emit.Event

	// Err aborts the run. Later stages are not executed.
	Err error
}

// StageFunc adapts a plain function to the Stage interface.
//
// Example:
//
//	prep := StageFunc[State](func(ctx context.Context, s State) StageResult[State] {
//	    report, err := processor.Run(ctx)
//	    if err != nil {
//	        return StageResult[State]{Err: err}
//	    }
//	    return StageResult[State]{Delta: State{TrainPath: report.TrainPath}}
//	})
type StageFunc[S any] func(ctx context.Context, state S) StageResult[S]

// Run implements Stage.
func (f StageFunc[S]) Run(ctx context.Context, state S) StageResult[S] {
	return f(ctx, state)
}

// Reducer merges a stage's delta into the previous state.
// It must be deterministic: the same inputs always give the same output.
type Reducer[S any] func(prev, delta S) S

type registeredStage[S any] struct {
	id     string
	stage  Stage[S]
	policy *StagePolicy
}
