package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoStages is returned by Run when no stage has been added.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrUnknownStage is returned by Resume when the persisted stage is
	// not registered with the engine.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrRunComplete is returned by Resume when every stage of the run has
	// already succeeded.
	ErrRunComplete = errors.New("run already complete")

	// ErrMaxAttemptsExceeded indicates a stage kept failing with retryable
	// errors until its RetryPolicy ran out of attempts.
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")

	// ErrInvalidRetryPolicy is returned by Add for a malformed RetryPolicy.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// EngineError represents an error from Engine configuration or bookkeeping
// (as opposed to a failure inside a stage).
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// StageError reports the failure of a stage. It wraps the stage's own error,
// so errors.Is / errors.As see through it.
type StageError struct {
	StageID string
	Attempt int
	Cause   error
}

func (e *StageError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("stage %s failed after %d attempts: %v", e.StageID, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("stage %s failed: %v", e.StageID, e.Cause)
}

// Unwrap returns the stage's error.
func (e *StageError) Unwrap() error {
	return e.Cause
}
