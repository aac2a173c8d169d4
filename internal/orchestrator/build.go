package orchestrator

import (
	"fmt"

	"github.com/dshills/mlpipeline/dataprep"
	"github.com/dshills/mlpipeline/internal/config"
	"github.com/dshills/mlpipeline/modelcard"
	"github.com/dshills/mlpipeline/pipeline"
	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/pipeline/store"
	"github.com/dshills/mlpipeline/training"
)

// NewProcessor builds the data processor described by cfg.
func NewProcessor(cfg *config.Config) (*dataprep.Processor, error) {
	task, err := dataprep.ParseTask(cfg.Data.Task)
	if err != nil {
		return nil, fmt.Errorf("data.task: %w", err)
	}
	return dataprep.New(cfg.RawData,
		dataprep.WithProcessedDir(cfg.ProcessedDir()),
		dataprep.WithTarget(cfg.Data.Target),
		dataprep.WithDropColumns(cfg.Data.DropColumns...),
		dataprep.WithTestRatio(cfg.Data.TestRatio),
		dataprep.WithSeed(cfg.Seed),
		dataprep.WithTask(task),
		dataprep.WithMaxClasses(cfg.Data.MaxClasses),
	), nil
}

// NewTrainer builds the model trainer described by cfg.
func NewTrainer(cfg *config.Config) *training.Trainer {
	return training.New(
		training.WithProcessedDir(cfg.ProcessedDir()),
		training.WithModelDir(cfg.ModelDir()),
		training.WithEpochs(cfg.Training.Epochs),
		training.WithLearningRate(cfg.Training.LearningRate),
		training.WithBatchSize(cfg.Training.BatchSize),
		training.WithL2(cfg.Training.L2),
		training.WithEarlyStopping(cfg.Training.Patience, cfg.Training.Tolerance),
		training.WithSeed(cfg.Seed),
	)
}

// FromConfig assembles an Orchestrator from cfg. narrator may be nil; it is
// only used when the model card stage is enabled.
func FromConfig(cfg *config.Config, narrator modelcard.Narrator, st store.Store[State], emitter emit.Emitter, engineOpts ...pipeline.Option) (*Orchestrator, error) {
	processor, err := NewProcessor(cfg)
	if err != nil {
		return nil, err
	}

	opts := Options{
		RawPath:   cfg.RawData,
		Processor: processor,
		Trainer:   NewTrainer(cfg),
		Store:     st,
		Emitter:   emitter,
		EngineOptions: append([]pipeline.Option{
			pipeline.WithDefaultStageTimeout(cfg.Pipeline.StageTimeout),
			pipeline.WithRunWallClockBudget(cfg.Pipeline.RunBudget),
		}, engineOpts...),
	}

	if cfg.ModelCard.Enabled {
		cardOpts := []modelcard.Option{modelcard.WithModelDir(cfg.ModelDir())}
		if narrator != nil {
			cardOpts = append(cardOpts, modelcard.WithNarrator(narrator))
		}
		opts.Card = modelcard.New(cardOpts...)
		opts.CardRetry = &pipeline.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   cfg.Pipeline.RetryBaseDelay,
			MaxDelay:    cfg.Pipeline.RetryMaxDelay,
			Retryable:   modelcard.IsTransient,
		}
	}

	return New(opts)
}
