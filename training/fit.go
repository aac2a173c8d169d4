package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// divergenceFactor bounds how far the training loss may rise above the
// loss of the untrained model before the run is abandoned.
const divergenceFactor = 10

type fitResult struct {
	epochs       int
	bestEpoch    int
	stoppedEarly bool
	loss         float64
	history      []float64
}

// fitModel runs mini-batch gradient descent on m.
//
// Classification minimises mean cross-entropy of the softmax; regression
// minimises half the mean squared error. Both add (L2/2)·||W||². Training
// stops after Epochs, or earlier when the training loss has not improved by
// more than Tolerance for Patience consecutive epochs. On return m holds the
// weights of the lowest-loss epoch.
//
// A loss that is not finite, that exceeds divergenceFactor times the
// untrained loss, or that never falls below the untrained loss yields an
// error wrapping ErrDiverged.
func fitModel(ctx context.Context, m *Model, ds *dataset, opts Options) (fitResult, error) {
	var res fitResult

	n := len(ds.y)
	k := len(m.Weights)
	dims := len(m.Features)

	rng := rand.New(rand.NewSource(opts.Seed)) // #nosec G404 -- reproducible shuffling
	gradW := make([][]float64, k)
	for i := range gradW {
		gradW[i] = make([]float64, dims)
	}
	gradB := make([]float64, k)
	scores := make([]float64, k)

	initial := objective(m, ds, opts.L2)
	best := initial
	bestW, bestB := snapshot(m)
	stale := 0

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("training interrupted at epoch %d: %w", epoch, err)
		}

		perm := rng.Perm(n)
		for start := 0; start < n; start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > n {
				end = n
			}

			for c := range gradW {
				for d := range gradW[c] {
					gradW[c][d] = 0
				}
				gradB[c] = 0
			}

			for _, idx := range perm[start:end] {
				x := ds.x[idx]
				m.scores(x, scores)
				residuals(m, scores, ds.y[idx])
				for c, g := range scores {
					for d, v := range x {
						gradW[c][d] += g * v
					}
					gradB[c] += g
				}
			}

			size := float64(end - start)
			for c := range m.Weights {
				for d := range m.Weights[c] {
					m.Weights[c][d] -= opts.LearningRate * (gradW[c][d]/size + opts.L2*m.Weights[c][d])
				}
				m.Bias[c] -= opts.LearningRate * gradB[c] / size
			}
		}

		loss := objective(m, ds, opts.L2)
		if math.IsNaN(loss) || math.IsInf(loss, 0) || loss > divergenceFactor*initial {
			return res, fmt.Errorf("%w at epoch %d: loss %.4g from %.4g (learning rate %v too high?)",
				ErrDiverged, epoch, loss, initial, opts.LearningRate)
		}
		res.epochs = epoch
		res.history = append(res.history, loss)

		if best-loss > opts.Tolerance {
			best = loss
			res.bestEpoch = epoch
			copyInto(bestW, bestB, m)
			stale = 0
			continue
		}
		stale++
		if opts.Patience > 0 && stale >= opts.Patience {
			res.stoppedEarly = epoch < opts.Epochs
			break
		}
	}

	if res.bestEpoch == 0 && initial > 0 {
		return res, fmt.Errorf("%w: loss never fell below its starting value %.4g in %d epochs (learning rate %v too high?)",
			ErrDiverged, initial, res.epochs, opts.LearningRate)
	}
	restore(m, bestW, bestB)
	res.loss = best
	return res, nil
}

func snapshot(m *Model) ([][]float64, []float64) {
	w := make([][]float64, len(m.Weights))
	for c := range m.Weights {
		w[c] = make([]float64, len(m.Weights[c]))
	}
	b := make([]float64, len(m.Bias))
	copyInto(w, b, m)
	return w, b
}

func copyInto(w [][]float64, b []float64, m *Model) {
	for c := range m.Weights {
		copy(w[c], m.Weights[c])
	}
	copy(b, m.Bias)
}

func restore(m *Model, w [][]float64, b []float64) {
	for c := range w {
		copy(m.Weights[c], w[c])
	}
	copy(m.Bias, b)
}

// residuals turns scores into dLoss/dScore in place.
func residuals(m *Model, scores []float64, y float64) {
	if !m.classification() {
		scores[0] -= y
		return
	}
	softmax(scores)
	scores[int(y)] -= 1
}

// objective is the regularised mean training loss.
func objective(m *Model, ds *dataset, l2 float64) float64 {
	scores := make([]float64, len(m.Weights))
	var total float64
	for i, x := range ds.x {
		m.scores(x, scores)
		if m.classification() {
			softmax(scores)
			total -= math.Log(math.Max(scores[int(ds.y[i])], 1e-15))
		} else {
			diff := scores[0] - ds.y[i]
			total += 0.5 * diff * diff
		}
	}

	var norm float64
	for _, w := range m.Weights {
		for _, v := range w {
			norm += v * v
		}
	}
	return total/float64(len(ds.y)) + 0.5*l2*norm
}
