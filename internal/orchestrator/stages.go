package orchestrator

import (
	"context"

	"github.com/dshills/mlpipeline/dataprep"
	"github.com/dshills/mlpipeline/modelcard"
	"github.com/dshills/mlpipeline/pipeline"
	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/training"
)

// Stage IDs in execution order.
const (
	StageDataProcessing = "data_processing"
	StageModelTraining  = "model_training"
	StageModelCard      = "model_card"
)

// Stage event messages.
const (
	MsgDataProcessed    = "data_processed"
	MsgModelTrained     = "model_trained"
	MsgModelCardWritten = "model_card_written"
)

// DataProcessor turns the raw dataset into processed artefacts.
// *dataprep.Processor implements it.
type DataProcessor interface {
	Run(ctx context.Context) (dataprep.Report, error)
}

// ModelTrainer fits a model on the processed artefacts.
// *training.Trainer implements it.
type ModelTrainer interface {
	Run(ctx context.Context) (training.Report, error)
}

// CardWriter documents the trained model. *modelcard.Generator implements it.
type CardWriter interface {
	Run(ctx context.Context) (modelcard.Report, error)
}

func dataStage(p DataProcessor) pipeline.Stage[State] {
	return pipeline.StageFunc[State](func(ctx context.Context, _ State) pipeline.StageResult[State] {
		report, err := p.Run(ctx)
		if err != nil {
			return pipeline.StageResult[State]{Err: err}
		}
		return pipeline.StageResult[State]{
			Delta: State{Data: &report},
			Events: []emit.Event{{
				Msg: MsgDataProcessed,
				Meta: map[string]interface{}{
					"rows_read":          report.RowsRead,
					"rows_kept":          report.RowsKept,
					"dropped_duplicates": report.DroppedDuplicates,
					"train_rows":         report.TrainRows,
					"test_rows":          report.TestRows,
					"target":             report.Target,
					"task":               string(report.Task),
					"features":           len(report.Features),
				},
			}},
		}
	})
}

func trainingStage(t ModelTrainer) pipeline.Stage[State] {
	return pipeline.StageFunc[State](func(ctx context.Context, _ State) pipeline.StageResult[State] {
		report, err := t.Run(ctx)
		if err != nil {
			return pipeline.StageResult[State]{Err: err}
		}
		name, value := report.Metrics.Headline()
		return pipeline.StageResult[State]{
			Delta: State{Training: &report},
			Events: []emit.Event{{
				Msg: MsgModelTrained,
				Meta: map[string]interface{}{
					"task":          string(report.Task),
					"epochs":        report.EpochsRun,
					"stopped_early": report.StoppedEarly,
					"final_loss":    report.FinalLoss,
					name:            value,
					"model_path":    report.ModelPath,
				},
			}},
		}
	})
}

func cardStage(c CardWriter) pipeline.Stage[State] {
	return pipeline.StageFunc[State](func(ctx context.Context, _ State) pipeline.StageResult[State] {
		report, err := c.Run(ctx)
		if err != nil {
			return pipeline.StageResult[State]{Err: err}
		}
		meta := map[string]interface{}{
			"path":     report.Path,
			"narrated": report.Narrated,
		}
		if report.Narrator != "" {
			meta["narrator"] = report.Narrator
		}
		return pipeline.StageResult[State]{
			Delta:  State{ModelCard: &report},
			Events: []emit.Event{{Msg: MsgModelCardWritten, Meta: meta}},
		}
	})
}
