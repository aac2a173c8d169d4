// Package dataprep turns a raw CSV file into model-ready training and test
// sets plus the preprocessing manifest needed to encode new rows the same way.
package dataprep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRawPath is where the pipeline expects the raw dataset.
const DefaultRawPath = "artifacts/raw/data.csv"

// DefaultProcessedDir is where processed artefacts are written.
const DefaultProcessedDir = "artifacts/processed"

// Artefact file names inside the processed directory.
const (
	TrainFile        = "train.csv"
	TestFile         = "test.csv"
	PreprocessorFile = "preprocessor.json"
)

// TargetColumn is the header of the label column in train.csv and test.csv.
const TargetColumn = "target"

var (
	// ErrEmptyDataset is returned when the raw file has no header or no rows.
	ErrEmptyDataset = errors.New("dataset is empty")

	// ErrTooFewRows is returned when fewer than two usable rows remain,
	// which makes a train/test split impossible.
	ErrTooFewRows = errors.New("not enough rows to split into train and test")

	// ErrMissingTarget is returned when the target column is not in the header.
	ErrMissingTarget = errors.New("target column not found")

	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("column not found")

	// ErrDuplicateColumn is returned when the header repeats a column name.
	ErrDuplicateColumn = errors.New("duplicate column")

	// ErrNoFeatures is returned when no feature column survives cleaning.
	ErrNoFeatures = errors.New("no feature columns")

	// ErrNonNumericTarget is returned when regression is requested for a
	// target that does not parse as numbers.
	ErrNonNumericTarget = errors.New("regression target must be numeric")
)

// Options configures a Processor.
type Options struct {
	ProcessedDir string
	Target       string   // empty: last column
	DropColumns  []string // removed before anything else (ids, free text)
	TestRatio    float64
	Seed         int64
	Task         Task
	MaxClasses   int // auto task: integral targets with at most this many values are classes
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ProcessedDir: DefaultProcessedDir,
		TestRatio:    0.2,
		Seed:         42,
		Task:         TaskAuto,
		MaxClasses:   20,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithProcessedDir sets the output directory.
func WithProcessedDir(dir string) Option { return func(o *Options) { o.ProcessedDir = dir } }

// WithTarget names the label column.
func WithTarget(name string) Option { return func(o *Options) { o.Target = name } }

// WithDropColumns removes columns before processing.
func WithDropColumns(names ...string) Option {
	return func(o *Options) { o.DropColumns = append(o.DropColumns, names...) }
}

// WithTestRatio sets the share of rows held out for evaluation.
func WithTestRatio(r float64) Option { return func(o *Options) { o.TestRatio = r } }

// WithSeed seeds the shuffle before splitting.
func WithSeed(seed int64) Option { return func(o *Options) { o.Seed = seed } }

// WithTask forces classification or regression instead of inferring it.
func WithTask(t Task) Option { return func(o *Options) { o.Task = t } }

// WithMaxClasses bounds the class count for task inference.
func WithMaxClasses(n int) Option { return func(o *Options) { o.MaxClasses = n } }

// Processor prepares one raw dataset.
type Processor struct {
	rawPath string
	opts    Options
}

// New creates a Processor for the CSV file at rawPath.
func New(rawPath string, opts ...Option) *Processor {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Processor{rawPath: rawPath, opts: o}
}

// RawPath returns the input file path.
func (p *Processor) RawPath() string { return p.rawPath }

// Options returns the effective options.
func (p *Processor) Options() Options { return p.opts }

// Report summarises a processing run.
type Report struct {
	RawPath              string   `json:"raw_path"`
	RowsRead             int      `json:"rows_read"`
	RowsKept             int      `json:"rows_kept"`
	DroppedMissingTarget int      `json:"dropped_missing_target"`
	DroppedDuplicates    int      `json:"dropped_duplicates"`
	DroppedColumns       []string `json:"dropped_columns,omitempty"`
	TrainRows            int      `json:"train_rows"`
	TestRows             int      `json:"test_rows"`
	Target               string   `json:"target"`
	Task                 Task     `json:"task"`
	Classes              []string `json:"classes,omitempty"`
	Features             []string `json:"features"`
	TrainPath            string   `json:"train_path"`
	TestPath             string   `json:"test_path"`
	PreprocessorPath     string   `json:"preprocessor_path"`
}

func (o Options) validate() error {
	if o.ProcessedDir == "" {
		return errors.New("processed directory is required")
	}
	if o.TestRatio <= 0 || o.TestRatio >= 1 {
		return fmt.Errorf("test ratio must be in (0, 1), got %v", o.TestRatio)
	}
	if o.MaxClasses < 2 {
		return fmt.Errorf("max classes must be >= 2, got %d", o.MaxClasses)
	}
	if _, err := ParseTask(string(o.Task)); err != nil {
		return err
	}
	return nil
}

// Run reads the raw CSV, cleans, splits and encodes it, and writes
// train.csv, test.csv and preprocessor.json into the processed directory.
func (p *Processor) Run(ctx context.Context) (Report, error) {
	report := Report{RawPath: p.rawPath}

	if err := p.opts.validate(); err != nil {
		return report, fmt.Errorf("invalid options: %w", err)
	}

	table, err := readTable(p.rawPath)
	if err != nil {
		return report, err
	}
	report.RowsRead = len(table.rows)

	if err := table.dropColumns(p.opts.DropColumns); err != nil {
		return report, err
	}

	if len(table.header) == 0 {
		return report, ErrNoFeatures
	}

	target := p.opts.Target
	if target == "" {
		target = table.header[len(table.header)-1]
	}
	targetIdx := table.columnIndex(target)
	if targetIdx < 0 {
		return report, fmt.Errorf("%w: %q", ErrMissingTarget, target)
	}
	report.Target = target

	report.DroppedMissingTarget = table.dropMissing(targetIdx)
	report.DroppedDuplicates = table.dropDuplicates()
	if len(table.rows) < 2 {
		return report, fmt.Errorf("%w: %d usable rows", ErrTooFewRows, len(table.rows))
	}

	report.DroppedColumns = table.dropEmptyColumns(targetIdx)
	targetIdx = table.columnIndex(target)
	if len(table.header) < 2 {
		return report, ErrNoFeatures
	}
	report.RowsKept = len(table.rows)

	if err := ctx.Err(); err != nil {
		return report, err
	}

	task, classes, err := resolveTask(table.column(targetIdx), p.opts.Task, p.opts.MaxClasses)
	if err != nil {
		return report, err
	}
	report.Task = task
	report.Classes = classes

	train, test := split(table.rows, p.opts.TestRatio, p.opts.Seed)
	report.TrainRows = len(train)
	report.TestRows = len(test)

	kinds := make([]Kind, len(table.header))
	for i := range table.header {
		kinds[i] = inferKind(table.column(i))
	}

	pre := fit(table.header, kinds, targetIdx, train, task, classes)
	if len(pre.Features) == 0 {
		return report, ErrNoFeatures
	}
	report.Features = pre.Features

	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := os.MkdirAll(p.opts.ProcessedDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create processed directory: %w", err)
	}

	report.TrainPath = filepath.Join(p.opts.ProcessedDir, TrainFile)
	report.TestPath = filepath.Join(p.opts.ProcessedDir, TestFile)
	report.PreprocessorPath = filepath.Join(p.opts.ProcessedDir, PreprocessorFile)

	if err := writeEncoded(report.TrainPath, pre, table.header, targetIdx, train); err != nil {
		return report, err
	}
	if err := writeEncoded(report.TestPath, pre, table.header, targetIdx, test); err != nil {
		return report, err
	}
	if err := pre.Save(report.PreprocessorPath); err != nil {
		return report, err
	}

	return report, nil
}
