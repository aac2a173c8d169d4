package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/dshills/mlpipeline/dataprep"
)

// Metrics is the evaluation written to metrics.json.
type Metrics struct {
	Task           dataprep.Task          `json:"task"`
	TrainRows      int                    `json:"train_rows"`
	TestRows       int                    `json:"test_rows"`
	TrainLoss      float64                `json:"train_loss"`
	LossHistory    []float64              `json:"loss_history,omitempty"`
	Classification *ClassificationMetrics `json:"classification,omitempty"`
	Regression     *RegressionMetrics     `json:"regression,omitempty"`
}

// ClassificationMetrics holds test-set scores for a classifier.
// Precision, Recall and F1 are macro averages over classes.
type ClassificationMetrics struct {
	Accuracy  float64      `json:"accuracy"`
	Precision float64      `json:"precision"`
	Recall    float64      `json:"recall"`
	F1        float64      `json:"f1"`
	Classes   []string     `json:"classes"`
	Confusion [][]int      `json:"confusion"` // [actual][predicted]
	PerClass  []ClassScore `json:"per_class"`
}

// ClassScore is the precision/recall/F1 of one class.
type ClassScore struct {
	Class     string  `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// RegressionMetrics holds test-set scores for a regressor.
type RegressionMetrics struct {
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

// Headline returns the metric name and value that best summarise the model.
func (m Metrics) Headline() (string, float64) {
	if m.Classification != nil {
		return "accuracy", m.Classification.Accuracy
	}
	if m.Regression != nil {
		return "rmse", m.Regression.RMSE
	}
	return "train_loss", m.TrainLoss
}

// LoadMetrics reads a metrics.json written by Trainer.Run.
func LoadMetrics(path string) (Metrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to read metrics: %w", err)
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, fmt.Errorf("failed to parse metrics %s: %w", path, err)
	}
	return m, nil
}

func evaluate(m *Model, ds *dataset) Metrics {
	metrics := Metrics{Task: m.Task}

	predicted := make([]float64, len(ds.y))
	for i, x := range ds.x {
		p, _ := m.Predict(x)
		predicted[i] = p.Value
	}

	if m.classification() {
		labels := make([]int, len(ds.y))
		preds := make([]int, len(ds.y))
		for i := range ds.y {
			labels[i] = int(ds.y[i])
			preds[i] = int(predicted[i])
		}
		metrics.Classification = classificationMetrics(labels, preds, m.Classes)
	} else {
		metrics.Regression = regressionMetrics(ds.y, predicted)
	}
	return metrics
}

func classificationMetrics(actual, predicted []int, classes []string) *ClassificationMetrics {
	k := len(classes)
	cm := &ClassificationMetrics{
		Classes:   classes,
		Confusion: make([][]int, k),
		PerClass:  make([]ClassScore, k),
	}
	for i := range cm.Confusion {
		cm.Confusion[i] = make([]int, k)
	}

	correct := 0
	for i := range actual {
		cm.Confusion[actual[i]][predicted[i]]++
		if actual[i] == predicted[i] {
			correct++
		}
	}
	if len(actual) > 0 {
		cm.Accuracy = float64(correct) / float64(len(actual))
	}

	for c := 0; c < k; c++ {
		tp := cm.Confusion[c][c]
		var fp, fn int
		for o := 0; o < k; o++ {
			if o == c {
				continue
			}
			fp += cm.Confusion[o][c]
			fn += cm.Confusion[c][o]
		}

		score := ClassScore{Class: classes[c], Support: tp + fn}
		score.Precision = ratio(tp, tp+fp)
		score.Recall = ratio(tp, tp+fn)
		if score.Precision+score.Recall > 0 {
			score.F1 = 2 * score.Precision * score.Recall / (score.Precision + score.Recall)
		}
		cm.PerClass[c] = score

		cm.Precision += score.Precision
		cm.Recall += score.Recall
		cm.F1 += score.F1
	}
	if k > 0 {
		cm.Precision /= float64(k)
		cm.Recall /= float64(k)
		cm.F1 /= float64(k)
	}
	return cm
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func regressionMetrics(actual, predicted []float64) *RegressionMetrics {
	n := float64(len(actual))
	rm := &RegressionMetrics{}
	if n == 0 {
		return rm
	}

	var mean float64
	for _, y := range actual {
		mean += y
	}
	mean /= n

	var ssRes, ssTot, absErr float64
	for i, y := range actual {
		d := predicted[i] - y
		ssRes += d * d
		absErr += math.Abs(d)
		ssTot += (y - mean) * (y - mean)
	}

	rm.MSE = ssRes / n
	rm.RMSE = math.Sqrt(rm.MSE)
	rm.MAE = absErr / n
	switch {
	case ssTot > 0:
		rm.R2 = 1 - ssRes/ssTot
	case ssRes == 0:
		rm.R2 = 1
	}
	return rm
}
