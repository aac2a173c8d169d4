package modelcard

import "text/template"

var cardTemplate = template.Must(template.New("model_card").Parse(`# Model Card: {{.Target}}

Generated {{.GeneratedAt}} by mlpipeline.

## Overview

| Field | Value |
|-------|-------|
| Task | {{.Task}} |
| Model | {{.ModelType}} |
| Target column | ` + "`{{.Target}}`" + ` |
| Trained at | {{.TrainedAt}} |
| Epochs | {{.Epochs}} |
| Training rows | {{.TrainRows}} |
| Test rows | {{.TestRows}} |
{{- if .Narrative}}

## Summary

{{.Narrative}}
{{- end}}

## Input Columns

| Column | Kind | Imputation | Details |
|--------|------|------------|---------|
{{- range .Columns}}
| {{.Name}} | {{.Kind}} | {{.Imputation}} | {{.Details}} |
{{- end}}

Encoded feature vector: {{len .Features}} values.

## Evaluation (held-out test split)

| Metric | Value |
|--------|-------|
{{- range .Metrics}}
| {{.Name}} | {{.Value}} |
{{- end}}
{{- if .PerClass}}

### Per-class scores

| Class | Precision | Recall | F1 | Support |
|-------|-----------|--------|----|---------|
{{- range .PerClass}}
| {{.Class}} | {{.Precision}} | {{.Recall}} | {{.F1}} | {{.Support}} |
{{- end}}
{{- end}}
{{- if .Confusion}}

### Confusion matrix (rows: actual, columns: predicted)

{{.ConfusionHeader}}
{{.ConfusionRule}}
{{- range .Confusion}}
{{.}}
{{- end}}
{{- end}}

## Limitations

- Linear model: interactions and non-linear effects are not captured.
- Categories unseen during training encode to all zeros.
- Metrics come from a single random split and may vary with the seed.
`))
