package dataprep

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// ColumnSpec records how one raw feature column is encoded.
type ColumnSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Numeric columns: median imputation, then (x - Mean) / Std.
	Median float64 `json:"median,omitempty"`
	Mean   float64 `json:"mean,omitempty"`
	Std    float64 `json:"std,omitempty"`

	// Categorical columns: mode imputation, then one-hot over Categories.
	Mode       string   `json:"mode,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Preprocessor is the fitted encoding written to preprocessor.json.
// All statistics come from the training split only.
type Preprocessor struct {
	Target   string       `json:"target"`
	Task     Task         `json:"task"`
	Classes  []string     `json:"classes,omitempty"`
	Columns  []ColumnSpec `json:"columns"`
	Features []string     `json:"features"`
}

// fit learns the encoding from the training rows. kinds come from the full
// dataset so a value seen only in test cannot change a column's type.
func fit(header []string, kinds []Kind, targetIdx int, train [][]string, task Task, classes []string) *Preprocessor {
	p := &Preprocessor{
		Target:  header[targetIdx],
		Task:    task,
		Classes: classes,
	}

	for i, name := range header {
		if i == targetIdx {
			continue
		}
		values := make([]string, len(train))
		for r, row := range train {
			values[r] = row[i]
		}

		spec := ColumnSpec{Name: name, Kind: kinds[i]}
		if spec.Kind == KindNumeric {
			fitNumeric(&spec, values)
			p.Features = append(p.Features, name)
		} else {
			fitCategorical(&spec, values)
			for _, c := range spec.Categories {
				p.Features = append(p.Features, name+"="+c)
			}
		}
		p.Columns = append(p.Columns, spec)
	}

	return p
}

func fitNumeric(spec *ColumnSpec, values []string) {
	var present []float64
	for _, v := range values {
		if f, ok := parseFloat(v); ok {
			present = append(present, f)
		}
	}
	spec.Median = median(present)

	// Statistics over the imputed column.
	n := float64(len(values))
	sum := spec.Median * float64(len(values)-len(present))
	for _, f := range present {
		sum += f
	}
	spec.Mean = sum / n

	var ss float64
	for _, v := range values {
		f, ok := parseFloat(v)
		if !ok {
			f = spec.Median
		}
		ss += (f - spec.Mean) * (f - spec.Mean)
	}
	spec.Std = math.Sqrt(ss / n)
	if spec.Std == 0 {
		spec.Std = 1
	}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// fitCategorical picks the most frequent value (ties: smallest) and the
// sorted category list, both over the imputed column.
func fitCategorical(spec *ColumnSpec, values []string) {
	counts := make(map[string]int)
	for _, v := range values {
		if v != "" {
			counts[v]++
		}
	}

	best := -1
	for v, c := range counts {
		if c > best || (c == best && v < spec.Mode) {
			spec.Mode, best = v, c
		}
	}

	for v := range counts {
		spec.Categories = append(spec.Categories, v)
	}
	sort.Strings(spec.Categories)
}

// Transform encodes one raw row. header names the row's cells; it may
// contain extra columns (including the target), which are ignored.
func (p *Preprocessor) Transform(header, row []string) ([]float64, error) {
	if len(header) != len(row) {
		return nil, fmt.Errorf("row has %d cells, header has %d", len(row), len(header))
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}

	cells := make([]string, len(p.Columns))
	for i, col := range p.Columns {
		idx, ok := index[col.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col.Name)
		}
		cells[i] = row[idx]
	}
	return p.encode(cells)
}

// encode maps the feature cells (in Columns order) to the feature vector.
func (p *Preprocessor) encode(cells []string) ([]float64, error) {
	out := make([]float64, 0, len(p.Features))
	for i, col := range p.Columns {
		v := cells[i]
		missing := IsMissing(v)

		switch col.Kind {
		case KindNumeric:
			f := col.Median
			if !missing {
				var ok bool
				if f, ok = parseFloat(v); !ok {
					return nil, fmt.Errorf("column %q: %q is not a number", col.Name, v)
				}
			}
			out = append(out, (f-col.Mean)/col.Std)
		default:
			if missing {
				v = col.Mode
			}
			// Unseen categories encode to all zeros.
			for _, c := range col.Categories {
				if c == v {
					out = append(out, 1)
				} else {
					out = append(out, 0)
				}
			}
		}
	}
	return out, nil
}

// EncodeTarget converts a raw label to the value written in the target
// column: the class index for classification, the number for regression.
func (p *Preprocessor) EncodeTarget(v string) (float64, error) {
	if p.Task == TaskRegression {
		f, ok := parseFloat(v)
		if !ok {
			return 0, fmt.Errorf("target %q is not a number", v)
		}
		return f, nil
	}

	label := v
	if f, ok := parseFloat(v); ok {
		label = formatFloat(f)
	}
	for i, c := range p.Classes {
		if c == label || c == v {
			return float64(i), nil
		}
	}
	return 0, fmt.Errorf("unknown class %q", v)
}

// ClassLabel returns the label for a class index, or "" when out of range.
func (p *Preprocessor) ClassLabel(idx int) string {
	if idx < 0 || idx >= len(p.Classes) {
		return ""
	}
	return p.Classes[idx]
}

// Save writes the preprocessor as indented JSON.
func (p *Preprocessor) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preprocessor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write preprocessor: %w", err)
	}
	return nil
}

// LoadPreprocessor reads a preprocessor.json written by Run.
func LoadPreprocessor(path string) (*Preprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessor: %w", err)
	}
	var p Preprocessor
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preprocessor %s: %w", path, err)
	}
	if len(p.Columns) == 0 {
		return nil, fmt.Errorf("preprocessor %s: %w", path, ErrNoFeatures)
	}
	return &p, nil
}

// writeEncoded writes rows as encoded features plus the target column.
func writeEncoded(path string, p *Preprocessor, header []string, targetIdx int, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(append(append([]string(nil), p.Features...), TargetColumn)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write header to %s: %w", path, err)
	}

	record := make([]string, len(p.Features)+1)
	for _, row := range rows {
		cells := make([]string, 0, len(p.Columns))
		for i, cell := range row {
			if i != targetIdx {
				cells = append(cells, cell)
			}
		}
		features, err := p.encode(cells)
		if err != nil {
			_ = f.Close()
			return err
		}
		y, err := p.EncodeTarget(row[targetIdx])
		if err != nil {
			_ = f.Close()
			return err
		}
		for i, v := range features {
			record[i] = formatFloat(v)
		}
		record[len(features)] = formatFloat(y)
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return f.Close()
}
