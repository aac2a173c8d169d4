// Package emit carries pipeline observability events to logs, buffers and traces.
package emit

// Event is a single observability record produced while a pipeline runs.
//
// Engine-generated events use the messages defined below. Stages may attach
// their own events to a StageResult; the engine stamps RunID, Step and
// StageID on them before emission.
type Event struct {
	// RunID identifies the pipeline execution.
	RunID string `json:"runID"`

	// Step is the 1-based position of the stage within the run.
	// Zero for run-level events.
	Step int `json:"step"`

	// StageID names the stage that produced the event. Empty for run-level events.
	StageID string `json:"stageID"`

	// Msg is a short machine-friendly label (e.g. "stage_start").
	Msg string `json:"msg"`

	// Meta holds additional structured fields.
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Messages emitted by the engine.
const (
	MsgRunStart   = "run_start"
	MsgRunEnd     = "run_end"
	MsgRunFailed  = "run_failed"
	MsgRunResume  = "run_resume"
	MsgStageStart = "stage_start"
	MsgStageEnd   = "stage_end"
	MsgStageError = "stage_error"
	MsgStageRetry = "stage_retry"
)

// WithMeta returns a copy of the event with key set in Meta.
func (e Event) WithMeta(key string, value interface{}) Event {
	meta := make(map[string]interface{}, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}
