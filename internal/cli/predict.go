package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/mlpipeline/training"
)

// PredictionColumn is appended to every scored row.
const PredictionColumn = "prediction"

func (a *app) predict(cmd *cobra.Command, modelPath, input, output string) error {
	if modelPath == "" {
		modelPath = filepath.Join(a.cfg.ModelDir(), training.ModelFile)
	}
	model, err := training.LoadModel(modelPath)
	if err != nil {
		return err
	}

	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	if output == "" {
		_, err := scoreCSV(model, in, cmd.OutOrStdout())
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	n, err := writePredictions(model, in, f, output)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d predictions to %s\n", n, output)
	return nil
}

// writePredictions scores r into out and closes out. A failed close is
// reported as an error.
func writePredictions(model *training.Model, r io.Reader, out io.WriteCloser, path string) (int, error) {
	n, err := scoreCSV(model, r, out)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close %s: %w", path, cerr)
	}
	return n, err
}

// scoreCSV reads rows from r, predicts each and writes them to w with a
// prediction column. It returns the number of rows scored.
func scoreCSV(model *training.Model, r io.Reader, w io.Writer) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("input is empty")
		}
		return 0, fmt.Errorf("failed to read input header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(append(append([]string{}, header...), PredictionColumn)); err != nil {
		return 0, err
	}

	n := 0
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("failed to read input: %w", err)
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}

		pred, err := model.PredictRow(header, row)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := writer.Write(append(row, pred.Label)); err != nil {
			return n, err
		}
		n++
	}

	writer.Flush()
	return n, writer.Error()
}
