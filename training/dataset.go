package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/dshills/mlpipeline/dataprep"
)

// dataset is an encoded feature matrix with its targets.
type dataset struct {
	x [][]float64
	y []float64
}

// loadDataset reads a train.csv / test.csv written by dataprep and checks
// its header against features.
func loadDataset(path string, features []string) (*dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if len(header) != len(features)+1 || header[len(header)-1] != dataprep.TargetColumn {
		return nil, fmt.Errorf("%w: %s has %d columns", ErrSchemaMismatch, path, len(header))
	}
	for i, name := range features {
		if header[i] != name {
			return nil, fmt.Errorf("%w: %s column %d is %q, want %q", ErrSchemaMismatch, path, i+1, header[i], name)
		}
	}

	ds := &dataset{}
	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		line++

		values := make([]float64, len(record))
		for i, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%s line %d column %d: invalid number %q", path, line, i+1, cell)
			}
			values[i] = v
		}
		ds.x = append(ds.x, values[:len(features)])
		ds.y = append(ds.y, values[len(features)])
	}

	if len(ds.y) == 0 {
		return nil, fmt.Errorf("%s: %w", path, dataprep.ErrEmptyDataset)
	}
	return ds, nil
}

// checkLabels verifies every target is a class index in [0, classes).
func (d *dataset) checkLabels(classes int) error {
	for i, y := range d.y {
		if y != math.Trunc(y) || y < 0 || int(y) >= classes {
			return fmt.Errorf("row %d: target %v is not a class index below %d", i+1, y, classes)
		}
	}
	return nil
}
