package training

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/dshills/mlpipeline/dataprep"
)

func regressionModel(features ...string) *Model {
	return &Model{
		Task:     dataprep.TaskRegression,
		Features: features,
		Weights:  [][]float64{make([]float64, len(features))},
		Bias:     []float64{0},
	}
}

func fullBatch(ds *dataset, lr float64, patience int) Options {
	opts := DefaultOptions()
	opts.Epochs = 100
	opts.LearningRate = lr
	opts.BatchSize = len(ds.y)
	opts.L2 = 0
	opts.Patience = patience
	opts.Tolerance = 1e-9
	return opts
}

func TestFitModel_RestoresBestWeights(t *testing.T) {
	// Feature a sits on a slowly unstable direction for this learning rate
	// and feature b on a fast converging one, so the loss falls for a few
	// epochs and then climbs.
	ds := &dataset{
		x: [][]float64{{2, 0}, {-2, 0}, {0, 1}, {0, -1}},
		y: []float64{0.2, -0.2, 10, -10},
	}
	m := regressionModel("a", "b")

	res, err := fitModel(context.Background(), m, ds, fullBatch(ds, 1.05, 3))
	if err != nil {
		t.Fatalf("fitModel failed: %v", err)
	}
	if !res.stoppedEarly {
		t.Fatalf("expected early stop, ran %d epochs", res.epochs)
	}
	if len(res.history) != res.epochs {
		t.Errorf("expected %d history entries, got %d", res.epochs, len(res.history))
	}
	if res.bestEpoch == 0 || res.bestEpoch >= res.epochs {
		t.Errorf("expected best epoch before the last, got %d of %d", res.bestEpoch, res.epochs)
	}

	lowest := math.Inf(1)
	for _, l := range res.history {
		lowest = math.Min(lowest, l)
	}
	if res.loss != lowest {
		t.Errorf("expected reported loss %v, got %v", lowest, res.loss)
	}
	if last := res.history[len(res.history)-1]; last <= res.loss {
		t.Errorf("expected last epoch loss above best, got %v <= %v", last, res.loss)
	}
	if got := objective(m, ds, 0); math.Abs(got-res.loss) > 1e-12 {
		t.Errorf("expected model restored to loss %v, got %v", res.loss, got)
	}
}

func TestFitModel_Diverged(t *testing.T) {
	tests := []struct {
		name     string
		lr       float64
		patience int
	}{
		{name: "loss explodes", lr: 50, patience: 0},
		{name: "loss never improves", lr: 2.1, patience: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := &dataset{
				x: [][]float64{{1}, {-1}},
				y: []float64{1, -1},
			}
			_, err := fitModel(context.Background(), regressionModel("x"), ds, fullBatch(ds, tt.lr, tt.patience))
			if !errors.Is(err, ErrDiverged) {
				t.Errorf("expected ErrDiverged, got %v", err)
			}
		})
	}
}

func TestFitModel_Converges(t *testing.T) {
	ds := &dataset{
		x: [][]float64{{1}, {-1}},
		y: []float64{1, -1},
	}
	m := regressionModel("x")

	res, err := fitModel(context.Background(), m, ds, fullBatch(ds, 0.5, 3))
	if err != nil {
		t.Fatalf("fitModel failed: %v", err)
	}
	if math.Abs(m.Weights[0][0]-1) > 1e-3 {
		t.Errorf("expected weight near 1, got %v", m.Weights[0][0])
	}
	if res.loss > 1e-6 {
		t.Errorf("expected near zero loss, got %v", res.loss)
	}
}
