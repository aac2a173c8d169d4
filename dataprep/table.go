package dataprep

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// missingMarkers are cell values treated as absent, compared case-insensitively.
var missingMarkers = map[string]struct{}{
	"":     {},
	"na":   {},
	"n/a":  {},
	"nan":  {},
	"null": {},
	"?":    {},
}

// IsMissing reports whether a (trimmed) cell value counts as missing.
func IsMissing(v string) bool {
	_, ok := missingMarkers[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// table is an in-memory CSV with trimmed cells. Missing cells are stored
// as "".
type table struct {
	header []string
	rows   [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw data: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s has no header", ErrEmptyDataset, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	t := &table{header: make([]string, len(header))}
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, h)
		}
		seen[h] = struct{}{}
		t.header[i] = h
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read raw data: %w", err)
		}
		row := make([]string, len(record))
		for i, cell := range record {
			if IsMissing(cell) {
				continue
			}
			row[i] = strings.TrimSpace(cell)
		}
		t.rows = append(t.rows, row)
	}

	if len(t.rows) == 0 {
		return nil, fmt.Errorf("%w: %s has no data rows", ErrEmptyDataset, path)
	}
	return t, nil
}

func (t *table) columnIndex(name string) int {
	for i, h := range t.header {
		if h == name {
			return i
		}
	}
	return -1
}

func (t *table) column(idx int) []string {
	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[idx]
	}
	return out
}

func (t *table) removeColumns(drop map[int]bool) {
	if len(drop) == 0 {
		return
	}
	keep := func(cells []string) []string {
		out := make([]string, 0, len(cells)-len(drop))
		for i, c := range cells {
			if !drop[i] {
				out = append(out, c)
			}
		}
		return out
	}
	t.header = keep(t.header)
	for i, row := range t.rows {
		t.rows[i] = keep(row)
	}
}

// dropColumns removes the named columns. Unknown names are an error.
func (t *table) dropColumns(names []string) error {
	drop := make(map[int]bool, len(names))
	for _, name := range names {
		idx := t.columnIndex(name)
		if idx < 0 {
			return fmt.Errorf("cannot drop %q: %w", name, ErrMissingColumn)
		}
		drop[idx] = true
	}
	t.removeColumns(drop)
	return nil
}

// dropMissing removes rows whose cell at idx is missing and returns how many.
func (t *table) dropMissing(idx int) int {
	kept := t.rows[:0]
	for _, row := range t.rows {
		if row[idx] != "" {
			kept = append(kept, row)
		}
	}
	dropped := len(t.rows) - len(kept)
	t.rows = kept
	return dropped
}

// dropDuplicates keeps the first occurrence of each identical row.
func (t *table) dropDuplicates() int {
	seen := make(map[string]struct{}, len(t.rows))
	kept := t.rows[:0]
	for _, row := range t.rows {
		key := strings.Join(row, "\x1f")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, row)
	}
	dropped := len(t.rows) - len(kept)
	t.rows = kept
	return dropped
}

// dropEmptyColumns removes feature columns with no value in any row.
func (t *table) dropEmptyColumns(targetIdx int) []string {
	drop := make(map[int]bool)
	var names []string
	for i, name := range t.header {
		if i == targetIdx {
			continue
		}
		empty := true
		for _, row := range t.rows {
			if row[i] != "" {
				empty = false
				break
			}
		}
		if empty {
			drop[i] = true
			names = append(names, name)
		}
	}
	t.removeColumns(drop)
	return names
}
