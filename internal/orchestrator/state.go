package orchestrator

import (
	"github.com/dshills/mlpipeline/dataprep"
	"github.com/dshills/mlpipeline/modelcard"
	"github.com/dshills/mlpipeline/training"
)

// State is the run state persisted after every stage. Each stage fills in
// its own report; later stages never overwrite earlier ones.
type State struct {
	RawPath   string            `json:"raw_path"`
	Data      *dataprep.Report  `json:"data,omitempty"`
	Training  *training.Report  `json:"training,omitempty"`
	ModelCard *modelcard.Report `json:"model_card,omitempty"`
}

// Reduce merges a stage delta into prev. Set fields in delta win.
func Reduce(prev, delta State) State {
	if delta.RawPath != "" {
		prev.RawPath = delta.RawPath
	}
	if delta.Data != nil {
		prev.Data = delta.Data
	}
	if delta.Training != nil {
		prev.Training = delta.Training
	}
	if delta.ModelCard != nil {
		prev.ModelCard = delta.ModelCard
	}
	return prev
}
