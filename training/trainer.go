// Package training fits a linear model to the processed datasets written by
// package dataprep and evaluates it on the held-out split.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/mlpipeline/dataprep"
)

// DefaultModelDir is where model.json and metrics.json are written.
const DefaultModelDir = "artifacts/models"

// Artefact file names inside the model directory.
const (
	ModelFile   = "model.json"
	MetricsFile = "metrics.json"
)

var (
	// ErrNoArtifacts is returned when the processed artefacts are missing,
	// typically because data processing has not run.
	ErrNoArtifacts = errors.New("processed artifacts not found")

	// ErrSchemaMismatch is returned when a dataset header does not match
	// the preprocessor's feature list.
	ErrSchemaMismatch = errors.New("dataset does not match preprocessor features")

	// ErrDiverged is returned when gradient descent fails to reduce the
	// training loss, usually because the learning rate is too high.
	ErrDiverged = errors.New("training diverged")
)

// Options configures a Trainer.
type Options struct {
	ProcessedDir string
	ModelDir     string
	Epochs       int
	LearningRate float64
	BatchSize    int
	L2           float64
	Patience     int     // epochs without improvement before stopping; 0 disables
	Tolerance    float64 // minimum loss decrease that counts as improvement
	Seed         int64
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ProcessedDir: dataprep.DefaultProcessedDir,
		ModelDir:     DefaultModelDir,
		Epochs:       200,
		LearningRate: 0.1,
		BatchSize:    32,
		L2:           1e-4,
		Patience:     10,
		Tolerance:    1e-6,
		Seed:         42,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithProcessedDir sets where train.csv, test.csv and preprocessor.json are read.
func WithProcessedDir(dir string) Option { return func(o *Options) { o.ProcessedDir = dir } }

// WithModelDir sets where model.json and metrics.json are written.
func WithModelDir(dir string) Option { return func(o *Options) { o.ModelDir = dir } }

// WithEpochs sets the maximum number of passes over the training set.
func WithEpochs(n int) Option { return func(o *Options) { o.Epochs = n } }

// WithLearningRate sets the gradient descent step size.
func WithLearningRate(lr float64) Option { return func(o *Options) { o.LearningRate = lr } }

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithL2 sets the weight decay coefficient.
func WithL2(l2 float64) Option { return func(o *Options) { o.L2 = l2 } }

// WithEarlyStopping sets patience and tolerance.
func WithEarlyStopping(patience int, tolerance float64) Option {
	return func(o *Options) {
		o.Patience = patience
		o.Tolerance = tolerance
	}
}

// WithSeed seeds mini-batch shuffling.
func WithSeed(seed int64) Option { return func(o *Options) { o.Seed = seed } }

func (o Options) validate() error {
	switch {
	case o.ProcessedDir == "":
		return errors.New("processed directory is required")
	case o.ModelDir == "":
		return errors.New("model directory is required")
	case o.Epochs < 1:
		return fmt.Errorf("epochs must be >= 1, got %d", o.Epochs)
	case o.LearningRate <= 0:
		return fmt.Errorf("learning rate must be > 0, got %v", o.LearningRate)
	case o.BatchSize < 1:
		return fmt.Errorf("batch size must be >= 1, got %d", o.BatchSize)
	case o.L2 < 0:
		return fmt.Errorf("l2 must be >= 0, got %v", o.L2)
	case o.Patience < 0 || o.Tolerance < 0:
		return errors.New("patience and tolerance must be >= 0")
	}
	return nil
}

// Trainer trains and evaluates one model.
type Trainer struct {
	opts Options
	now  func() time.Time
}

// New creates a Trainer. It takes no required arguments: inputs are found
// in the processed directory by convention.
func New(opts ...Option) *Trainer {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Trainer{opts: o, now: time.Now}
}

// Options returns the effective options.
func (t *Trainer) Options() Options { return t.opts }

// Report summarises a training run.
type Report struct {
	Task         dataprep.Task `json:"task"`
	TrainRows    int           `json:"train_rows"`
	TestRows     int           `json:"test_rows"`
	Features     int           `json:"features"`
	EpochsRun    int           `json:"epochs_run"`
	StoppedEarly bool          `json:"stopped_early"`
	FinalLoss    float64       `json:"final_loss"`
	Metrics      Metrics       `json:"metrics"`
	ModelPath    string        `json:"model_path"`
	MetricsPath  string        `json:"metrics_path"`
}

// Run loads the processed artefacts, fits the model, evaluates it on the
// test split and writes model.json and metrics.json.
func (t *Trainer) Run(ctx context.Context) (Report, error) {
	var report Report

	if err := t.opts.validate(); err != nil {
		return report, fmt.Errorf("invalid options: %w", err)
	}

	pre, err := dataprep.LoadPreprocessor(filepath.Join(t.opts.ProcessedDir, dataprep.PreprocessorFile))
	if err != nil {
		return report, artifactErr(err)
	}
	report.Task = pre.Task
	report.Features = len(pre.Features)

	train, err := loadDataset(filepath.Join(t.opts.ProcessedDir, dataprep.TrainFile), pre.Features)
	if err != nil {
		return report, artifactErr(err)
	}
	test, err := loadDataset(filepath.Join(t.opts.ProcessedDir, dataprep.TestFile), pre.Features)
	if err != nil {
		return report, artifactErr(err)
	}
	report.TrainRows = len(train.y)
	report.TestRows = len(test.y)

	outputs := 1
	if pre.Task == dataprep.TaskClassification {
		outputs = len(pre.Classes)
		if err := train.checkLabels(outputs); err != nil {
			return report, err
		}
		if err := test.checkLabels(outputs); err != nil {
			return report, err
		}
	}

	model := newModel(pre, outputs)
	fitResult, err := fitModel(ctx, model, train, t.opts)
	if err != nil {
		return report, err
	}
	report.EpochsRun = fitResult.epochs
	report.StoppedEarly = fitResult.stoppedEarly
	report.FinalLoss = fitResult.loss

	model.TrainedAt = t.now().UTC()
	model.Epochs = fitResult.epochs

	metrics := evaluate(model, test)
	metrics.TrainLoss = fitResult.loss
	metrics.LossHistory = fitResult.history
	metrics.TrainRows = len(train.y)
	metrics.TestRows = len(test.y)
	report.Metrics = metrics

	if err := os.MkdirAll(t.opts.ModelDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create model directory: %w", err)
	}
	report.ModelPath = filepath.Join(t.opts.ModelDir, ModelFile)
	report.MetricsPath = filepath.Join(t.opts.ModelDir, MetricsFile)

	if err := model.Save(report.ModelPath); err != nil {
		return report, err
	}
	if err := writeJSON(report.MetricsPath, metrics); err != nil {
		return report, err
	}

	return report, nil
}

func artifactErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNoArtifacts, err)
	}
	return err
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
