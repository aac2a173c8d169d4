package pipeline

import (
	"encoding/json"
	"fmt"
)

// deepCopy clones state through a JSON round trip, so each stage attempt
// works on its own copy and a failed attempt cannot leak partial mutations
// into the run state.
//
// Unexported fields are not copied; S must be JSON-serializable, the same
// requirement the database stores impose.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
