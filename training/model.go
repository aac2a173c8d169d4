package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dshills/mlpipeline/dataprep"
)

// Model is a linear model: softmax regression for classification (one
// weight row per class) or linear regression (a single row).
//
// The fitted preprocessor is embedded so model.json alone can score raw
// rows.
type Model struct {
	Task         dataprep.Task          `json:"task"`
	Features     []string               `json:"features"`
	Classes      []string               `json:"classes,omitempty"`
	Weights      [][]float64            `json:"weights"`
	Bias         []float64              `json:"bias"`
	Epochs       int                    `json:"epochs"`
	TrainedAt    time.Time              `json:"trained_at"`
	Preprocessor *dataprep.Preprocessor `json:"preprocessor"`
}

// Prediction is the model output for one row.
type Prediction struct {
	// Value is the class index or the regression estimate.
	Value float64 `json:"value"`
	// Label is the class label, or Value formatted for regression.
	Label string `json:"label"`
	// Probabilities holds class probabilities (classification only).
	Probabilities []float64 `json:"probabilities,omitempty"`
}

func newModel(pre *dataprep.Preprocessor, outputs int) *Model {
	weights := make([][]float64, outputs)
	for k := range weights {
		weights[k] = make([]float64, len(pre.Features))
	}
	return &Model{
		Task:         pre.Task,
		Features:     pre.Features,
		Classes:      pre.Classes,
		Weights:      weights,
		Bias:         make([]float64, outputs),
		Preprocessor: pre,
	}
}

func (m *Model) classification() bool {
	return m.Task == dataprep.TaskClassification
}

// scores computes W·x + b into out.
func (m *Model) scores(x []float64, out []float64) {
	for k, w := range m.Weights {
		s := m.Bias[k]
		for d, v := range x {
			s += w[d] * v
		}
		out[k] = s
	}
}

// softmax converts scores to probabilities in place.
func softmax(s []float64) {
	maxScore := math.Inf(-1)
	for _, v := range s {
		if v > maxScore {
			maxScore = v
		}
	}
	var sum float64
	for i, v := range s {
		s[i] = math.Exp(v - maxScore)
		sum += s[i]
	}
	for i := range s {
		s[i] /= sum
	}
}

// Predict scores an encoded feature vector.
func (m *Model) Predict(x []float64) (Prediction, error) {
	if len(x) != len(m.Features) {
		return Prediction{}, fmt.Errorf("expected %d features, got %d", len(m.Features), len(x))
	}

	out := make([]float64, len(m.Weights))
	m.scores(x, out)

	if !m.classification() {
		return Prediction{Value: out[0], Label: strconv.FormatFloat(out[0], 'g', -1, 64)}, nil
	}

	softmax(out)
	best := 0
	for k, p := range out {
		if p > out[best] {
			best = k
		}
	}
	label := strconv.Itoa(best)
	if best < len(m.Classes) {
		label = m.Classes[best]
	}
	return Prediction{Value: float64(best), Label: label, Probabilities: out}, nil
}

// PredictRow encodes a raw row with the embedded preprocessor and scores it.
func (m *Model) PredictRow(header, row []string) (Prediction, error) {
	if m.Preprocessor == nil {
		return Prediction{}, fmt.Errorf("model has no preprocessor")
	}
	x, err := m.Preprocessor.Transform(header, row)
	if err != nil {
		return Prediction{}, err
	}
	return m.Predict(x)
}

// Save writes the model as indented JSON.
func (m *Model) Save(path string) error {
	return writeJSON(path, m)
}

// LoadModel reads a model.json written by Trainer.Run.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if len(m.Weights) == 0 || len(m.Weights) != len(m.Bias) {
		return nil, fmt.Errorf("model %s: malformed weights", path)
	}
	for _, w := range m.Weights {
		if len(w) != len(m.Features) {
			return nil, fmt.Errorf("model %s: weight row has %d entries, want %d", path, len(w), len(m.Features))
		}
	}
	return &m, nil
}
