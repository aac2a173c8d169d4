// Package modelcard renders a markdown model card from the artefacts written
// by package training, optionally with a narrative written by an LLM.
package modelcard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/dshills/mlpipeline/dataprep"
	"github.com/dshills/mlpipeline/training"
)

// CardFile is the model card's file name inside the model directory.
const CardFile = "MODEL_CARD.md"

// Options configures a Generator.
type Options struct {
	ModelDir   string
	OutputPath string
	Narrator   Narrator
}

// Option configures a Generator.
type Option func(*Options)

// WithModelDir sets the directory holding model.json and metrics.json.
func WithModelDir(dir string) Option { return func(o *Options) { o.ModelDir = dir } }

// WithOutputPath overrides where the card is written. Defaults to
// ModelDir/MODEL_CARD.md.
func WithOutputPath(path string) Option { return func(o *Options) { o.OutputPath = path } }

// WithNarrator adds an LLM-written summary section.
func WithNarrator(n Narrator) Option { return func(o *Options) { o.Narrator = n } }

// Generator writes MODEL_CARD.md.
type Generator struct {
	opts     Options
	now      func() time.Time
	sanitize *bluemonday.Policy
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	o := Options{ModelDir: training.DefaultModelDir}
	for _, opt := range opts {
		opt(&o)
	}
	if o.OutputPath == "" {
		o.OutputPath = filepath.Join(o.ModelDir, CardFile)
	}
	return &Generator{
		opts:     o,
		now:      time.Now,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// Options returns the resolved options.
func (g *Generator) Options() Options { return g.opts }

// Report describes a rendered card.
type Report struct {
	Path     string `json:"path"`
	Narrated bool   `json:"narrated"`
	Narrator string `json:"narrator,omitempty"`
	Bytes    int    `json:"bytes"`
}

// Summary is the model description handed to a Narrator.
type Summary struct {
	Task      dataprep.Task
	Target    string
	ModelType string
	Classes   []string
	Features  []string
	TrainRows int
	TestRows  int
	Metrics   []MetricRow
}

// MetricRow is a formatted metric.
type MetricRow struct {
	Name  string
	Value string
}

// Run reads the trained model and renders the card.
func (g *Generator) Run(ctx context.Context) (Report, error) {
	model, err := training.LoadModel(filepath.Join(g.opts.ModelDir, training.ModelFile))
	if err != nil {
		return Report{}, modelErr(err)
	}
	metrics, err := training.LoadMetrics(filepath.Join(g.opts.ModelDir, training.MetricsFile))
	if err != nil {
		return Report{}, modelErr(err)
	}

	v := g.buildView(model, metrics)

	report := Report{Path: g.opts.OutputPath}
	if g.opts.Narrator != nil {
		text, err := g.opts.Narrator.Narrate(ctx, v.summary())
		if err != nil {
			return Report{}, err
		}
		v.Narrative = g.cleanNarrative(text)
		report.Narrated = v.Narrative != ""
		report.Narrator = g.opts.Narrator.Name()
	}

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var buf bytes.Buffer
	if err := cardTemplate.Execute(&buf, v); err != nil {
		return Report{}, fmt.Errorf("failed to render model card: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.opts.OutputPath), 0o755); err != nil {
		return Report{}, fmt.Errorf("failed to create card directory: %w", err)
	}
	if err := os.WriteFile(g.opts.OutputPath, buf.Bytes(), 0o644); err != nil {
		return Report{}, fmt.Errorf("failed to write model card: %w", err)
	}
	report.Bytes = buf.Len()
	return report, nil
}

// cleanNarrative strips any markup the model produced and normalises
// whitespace so the text sits safely inside the markdown document.
func (g *Generator) cleanNarrative(text string) string {
	text = g.sanitize.Sanitize(text)
	paras := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func modelErr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", training.ErrNoArtifacts, err)
	}
	return err
}

type view struct {
	Target      string
	Task        dataprep.Task
	ModelType   string
	TrainedAt   string
	GeneratedAt string
	Epochs      int
	TrainRows   int
	TestRows    int
	Narrative   string

	Classes  []string
	Features []string
	Columns  []columnRow
	Metrics  []MetricRow
	PerClass []classRow

	ConfusionHeader string
	ConfusionRule   string
	Confusion       []string
}

type columnRow struct {
	Name       string
	Kind       dataprep.Kind
	Imputation string
	Details    string
}

type classRow struct {
	Class     string
	Precision string
	Recall    string
	F1        string
	Support   int
}

func (g *Generator) buildView(m *training.Model, met training.Metrics) view {
	v := view{
		Task:        m.Task,
		ModelType:   modelType(m.Task),
		TrainedAt:   m.TrainedAt.UTC().Format(time.RFC3339),
		GeneratedAt: g.now().UTC().Format(time.RFC3339),
		Epochs:      m.Epochs,
		TrainRows:   met.TrainRows,
		TestRows:    met.TestRows,
		Classes:     m.Classes,
		Features:    m.Features,
	}
	if m.Preprocessor != nil {
		v.Target = m.Preprocessor.Target
		for _, c := range m.Preprocessor.Columns {
			v.Columns = append(v.Columns, describeColumn(c))
		}
	}

	v.Metrics = append(v.Metrics, MetricRow{"train loss", num(met.TrainLoss)})
	if c := met.Classification; c != nil {
		v.Metrics = append(v.Metrics,
			MetricRow{"accuracy", num(c.Accuracy)},
			MetricRow{"macro precision", num(c.Precision)},
			MetricRow{"macro recall", num(c.Recall)},
			MetricRow{"macro F1", num(c.F1)},
		)
		for _, pc := range c.PerClass {
			v.PerClass = append(v.PerClass, classRow{
				Class:     pc.Class,
				Precision: num(pc.Precision),
				Recall:    num(pc.Recall),
				F1:        num(pc.F1),
				Support:   pc.Support,
			})
		}
		v.ConfusionHeader, v.ConfusionRule, v.Confusion = confusionTable(c.Classes, c.Confusion)
	}
	if r := met.Regression; r != nil {
		v.Metrics = append(v.Metrics,
			MetricRow{"MSE", num(r.MSE)},
			MetricRow{"RMSE", num(r.RMSE)},
			MetricRow{"MAE", num(r.MAE)},
			MetricRow{"R²", num(r.R2)},
		)
	}
	return v
}

func (v view) summary() Summary {
	return Summary{
		Task:      v.Task,
		Target:    v.Target,
		ModelType: v.ModelType,
		Classes:   v.Classes,
		Features:  v.Features,
		TrainRows: v.TrainRows,
		TestRows:  v.TestRows,
		Metrics:   v.Metrics,
	}
}

func modelType(t dataprep.Task) string {
	if t == dataprep.TaskClassification {
		return "multinomial logistic regression"
	}
	return "linear regression (L2)"
}

func describeColumn(c dataprep.ColumnSpec) columnRow {
	row := columnRow{Name: c.Name, Kind: c.Kind}
	if c.Kind == dataprep.KindNumeric {
		row.Imputation = "median " + num(c.Median)
		row.Details = fmt.Sprintf("standardised (mean %s, std %s)", num(c.Mean), num(c.Std))
		return row
	}
	row.Imputation = "mode `" + c.Mode + "`"
	row.Details = fmt.Sprintf("one-hot, %d categories", len(c.Categories))
	return row
}

func confusionTable(classes []string, matrix [][]int) (string, string, []string) {
	if len(classes) == 0 || len(matrix) == 0 {
		return "", "", nil
	}
	header := "| actual \\ predicted | " + strings.Join(classes, " | ") + " |"
	rule := "|" + strings.Repeat("---|", len(classes)+1)
	rows := make([]string, 0, len(matrix))
	for i, counts := range matrix {
		cells := make([]string, len(counts))
		for j, n := range counts {
			cells[j] = strconv.Itoa(n)
		}
		label := ""
		if i < len(classes) {
			label = classes[i]
		}
		rows = append(rows, "| "+label+" | "+strings.Join(cells, " | ")+" |")
	}
	return header, rule, rows
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
