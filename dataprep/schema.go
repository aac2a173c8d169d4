package dataprep

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrSingleClass is returned when a classification target has one value.
var ErrSingleClass = errors.New("classification target needs at least two classes")

// Kind is the inferred type of a feature column.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindCategorical Kind = "categorical"
)

// Task is the learning problem.
type Task string

const (
	TaskAuto           Task = "auto"
	TaskClassification Task = "classification"
	TaskRegression     Task = "regression"
)

// ParseTask converts a config string into a Task. Empty means auto.
func ParseTask(s string) (Task, error) {
	switch Task(strings.ToLower(strings.TrimSpace(s))) {
	case "", TaskAuto:
		return TaskAuto, nil
	case TaskClassification:
		return TaskClassification, nil
	case TaskRegression:
		return TaskRegression, nil
	default:
		return "", fmt.Errorf("unknown task %q (want auto, classification or regression)", s)
	}
}

func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// inferKind returns numeric when every non-missing value parses as a number.
func inferKind(values []string) Kind {
	seen := false
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := parseFloat(v); !ok {
			return KindCategorical
		}
		seen = true
	}
	if !seen {
		return KindCategorical
	}
	return KindNumeric
}

// resolveTask decides the task and, for classification, the sorted class
// labels. Numeric labels are canonicalised ("1.0" and "1" are one class)
// and sorted by value.
func resolveTask(values []string, requested Task, maxClasses int) (Task, []string, error) {
	numeric := inferKind(values) == KindNumeric

	task := requested
	if task == TaskAuto || task == "" {
		task = TaskRegression
		if !numeric || integralWithFewValues(values, maxClasses) {
			task = TaskClassification
		}
	}

	if task == TaskRegression {
		if !numeric {
			return "", nil, ErrNonNumericTarget
		}
		return TaskRegression, nil, nil
	}

	classes := distinctLabels(values, numeric)
	if len(classes) < 2 {
		return "", nil, fmt.Errorf("%w: found %v", ErrSingleClass, classes)
	}
	return TaskClassification, classes, nil
}

func integralWithFewValues(values []string, maxClasses int) bool {
	distinct := make(map[float64]struct{})
	for _, v := range values {
		f, _ := parseFloat(v)
		if f != math.Trunc(f) {
			return false
		}
		distinct[f] = struct{}{}
		if len(distinct) > maxClasses {
			return false
		}
	}
	return true
}

func distinctLabels(values []string, numeric bool) []string {
	if numeric {
		set := make(map[float64]struct{})
		for _, v := range values {
			f, _ := parseFloat(v)
			set[f] = struct{}{}
		}
		nums := make([]float64, 0, len(set))
		for f := range set {
			nums = append(nums, f)
		}
		sort.Float64s(nums)
		out := make([]string, len(nums))
		for i, f := range nums {
			out[i] = formatFloat(f)
		}
		return out
	}

	set := make(map[string]struct{})
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
