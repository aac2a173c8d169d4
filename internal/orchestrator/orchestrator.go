// Package orchestrator wires the data processing, training and optional
// model card stages into a pipeline engine.
//
// The data stage always completes (or fails) before training starts, and
// training runs exactly once after a successful data stage. A stage failure
// ends the run; nothing after it executes.
package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dshills/mlpipeline/pipeline"
	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/pipeline/store"
)

// Options assembles an Orchestrator. Processor, Trainer and Store are
// required; Card enables the third stage.
type Options struct {
	RawPath   string
	Processor DataProcessor
	Trainer   ModelTrainer
	Card      CardWriter

	// CardRetry retries transient narrator failures. Nil means one attempt.
	CardRetry *pipeline.RetryPolicy

	Store   store.Store[State]
	Emitter emit.Emitter

	EngineOptions []pipeline.Option
}

// Orchestrator runs the ML pipeline.
type Orchestrator struct {
	engine  *pipeline.Engine[State]
	rawPath string
	newID   func() string
}

// New validates opts and registers the stages.
func New(opts Options) (*Orchestrator, error) {
	if opts.Processor == nil {
		return nil, errors.New("orchestrator: data processor is required")
	}
	if opts.Trainer == nil {
		return nil, errors.New("orchestrator: model trainer is required")
	}

	engine, err := pipeline.New[State](Reduce, opts.Store, opts.Emitter, opts.EngineOptions...)
	if err != nil {
		return nil, err
	}
	if err := engine.Add(StageDataProcessing, dataStage(opts.Processor)); err != nil {
		return nil, err
	}
	if err := engine.Add(StageModelTraining, trainingStage(opts.Trainer)); err != nil {
		return nil, err
	}
	if opts.Card != nil {
		if err := engine.Add(StageModelCard, cardStage(opts.Card), pipeline.StagePolicy{RetryPolicy: opts.CardRetry}); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		engine:  engine,
		rawPath: opts.RawPath,
		newID:   uuid.NewString,
	}, nil
}

// Stages returns the registered stage IDs in execution order.
func (o *Orchestrator) Stages() []string {
	return o.engine.Stages()
}

// Run executes every stage under a fresh run ID and returns that ID along
// with the final state. The ID is returned even on failure so the run can
// be resumed.
func (o *Orchestrator) Run(ctx context.Context) (string, State, error) {
	runID := o.newID()
	state, err := o.engine.Run(ctx, runID, State{RawPath: o.rawPath})
	return runID, state, err
}

// Resume continues a failed or interrupted run after its last completed
// stage.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (State, error) {
	return o.engine.Resume(ctx, runID)
}
