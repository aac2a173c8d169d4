package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/pipeline/store"
)

// Engine runs registered stages in order over a shared state.
//
// The Engine:
//   - executes stages strictly sequentially, in the order they were added
//   - merges each stage's delta into the run state via the reducer
//   - persists the state after every successful stage
//   - stops at the first failing stage; later stages are not run
//   - retries transient failures according to each stage's RetryPolicy
//   - emits observability events and records Prometheus metrics
//
// Type parameter S is the run state; it must be JSON-serializable.
//
// Example:
//
//	engine, err := pipeline.New(reducer, store.NewMemStore[State](), emit.NewLogEmitter(nil, false))
//	if err != nil {
//	    return err
//	}
//	_ = engine.Add("data_processing", prepStage)
//	_ = engine.Add("model_training", trainStage)
//
//	final, err := engine.Run(ctx, runID, State{})
type Engine[S any] struct {
	mu sync.RWMutex

	reducer Reducer[S]
	stages  []registeredStage[S]
	index   map[string]int
	store   store.Store[S]
	emitter emit.Emitter
	opts    Options

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an Engine.
//
// reducer and st are required. A nil emitter discards events.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts ...Option) (*Engine[S], error) {
	if reducer == nil {
		return nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	var options Options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, &EngineError{Message: "invalid option", Code: "INVALID_OPTION", Cause: err}
		}
	}

	return &Engine[S]{
		reducer: reducer,
		index:   make(map[string]int),
		store:   st,
		emitter: emitter,
		opts:    options,
		sleep:   sleepContext,
		now:     time.Now,
	}, nil
}

// Add appends a stage to the execution order.
//
// Returns an error if stageID is empty or already registered, if stage is
// nil, or if the policy's RetryPolicy is invalid. Only the first policy is
// used.
func (e *Engine[S]) Add(stageID string, stage Stage[S], policy ...StagePolicy) error {
	if stageID == "" {
		return &EngineError{Message: "stage ID cannot be empty", Code: "INVALID_STAGE"}
	}
	if stage == nil {
		return &EngineError{Message: "stage cannot be nil: " + stageID, Code: "INVALID_STAGE"}
	}

	var p *StagePolicy
	if len(policy) > 0 {
		pc := policy[0]
		if pc.Timeout < 0 {
			return &EngineError{Message: "stage timeout must be >= 0: " + stageID, Code: "INVALID_POLICY"}
		}
		if pc.RetryPolicy != nil {
			if err := pc.RetryPolicy.Validate(); err != nil {
				return fmt.Errorf("stage %s: %w", stageID, err)
			}
		}
		p = &pc
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.index[stageID]; exists {
		return &EngineError{Message: "duplicate stage ID: " + stageID, Code: "DUPLICATE_STAGE"}
	}

	e.index[stageID] = len(e.stages)
	e.stages = append(e.stages, registeredStage[S]{id: stageID, stage: stage, policy: p})
	return nil
}

// Stages returns the registered stage IDs in execution order.
func (e *Engine[S]) Stages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, len(e.stages))
	for i, s := range e.stages {
		ids[i] = s.id
	}
	return ids
}

// Run executes every stage, in order, starting from initial.
//
// Each stage runs only after the previous stage has returned successfully;
// the first failure ends the run with a *StageError and no further stage is
// invoked. The state is persisted after each successful stage as step
// i+1 of runID.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	var zero S

	if runID == "" {
		return zero, &EngineError{Message: "run ID cannot be empty", Code: "INVALID_RUN_ID"}
	}

	stages := e.snapshot()
	if len(stages) == 0 {
		return zero, ErrNoStages
	}

	return e.execute(ctx, runID, initial, stages, 0)
}

// Resume continues runID after its last persisted stage.
//
// It returns store.ErrNotFound (wrapped) when nothing was persisted for the
// run, ErrUnknownStage when the persisted stage is not registered and
// ErrRunComplete when the last stage already succeeded.
func (e *Engine[S]) Resume(ctx context.Context, runID string) (S, error) {
	var zero S

	stages := e.snapshot()
	if len(stages) == 0 {
		return zero, ErrNoStages
	}

	latest, err := e.store.LoadLatest(ctx, runID)
	if err != nil {
		return zero, fmt.Errorf("cannot resume run %s: %w", runID, err)
	}

	last := -1
	for i, s := range stages {
		if s.id == latest.StageID {
			last = i
			break
		}
	}
	if last < 0 {
		return zero, fmt.Errorf("cannot resume run %s: %w: %s", runID, ErrUnknownStage, latest.StageID)
	}
	if last == len(stages)-1 {
		return latest.State, fmt.Errorf("cannot resume run %s: %w", runID, ErrRunComplete)
	}

	e.emitter.Emit(emit.Event{
		RunID:   runID,
		Step:    latest.Step,
		StageID: latest.StageID,
		Msg:     emit.MsgRunResume,
		Meta: map[string]interface{}{
			"next_stage": stages[last+1].id,
		},
	})

	return e.execute(ctx, runID, latest.State, stages, last+1)
}

func (e *Engine[S]) snapshot() []registeredStage[S] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stages := make([]registeredStage[S], len(e.stages))
	copy(stages, e.stages)
	return stages
}

// execute runs stages[start:] sequentially.
func (e *Engine[S]) execute(ctx context.Context, runID string, state S, stages []registeredStage[S], start int) (S, error) {
	var zero S

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	runStart := e.now()
	e.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   emit.MsgRunStart,
		Meta: map[string]interface{}{
			"stages":      len(stages) - start,
			"first_stage": stages[start].id,
		},
	})

	fail := func(step int, stageID string, err error) (S, error) {
		e.opts.Metrics.RecordRun(RunStatusFailed)
		e.emitter.Emit(emit.Event{
			RunID:   runID,
			Step:    step,
			StageID: stageID,
			Msg:     emit.MsgRunFailed,
			Meta: map[string]interface{}{
				"error":       err.Error(),
				"duration_ms": e.now().Sub(runStart).Milliseconds(),
			},
		})
		return zero, err
	}

	for i := start; i < len(stages); i++ {
		st := stages[i]
		step := i + 1

		if err := ctx.Err(); err != nil {
			return fail(step, st.id, fmt.Errorf("run %s stopped before stage %s: %w", runID, st.id, err))
		}

		e.emitter.Emit(emit.Event{RunID: runID, Step: step, StageID: st.id, Msg: emit.MsgStageStart})
		stageStart := e.now()

		result, attempts, err := e.runStage(ctx, runID, step, st, state)
		if err != nil {
			stageErr := &StageError{StageID: st.id, Attempt: attempts, Cause: err}
			e.emitter.Emit(emit.Event{
				RunID:   runID,
				Step:    step,
				StageID: st.id,
				Msg:     emit.MsgStageError,
				Meta: map[string]interface{}{
					"error":       err.Error(),
					"attempts":    attempts,
					"duration_ms": e.now().Sub(stageStart).Milliseconds(),
				},
			})
			return fail(step, st.id, stageErr)
		}

		state = e.reducer(state, result.Delta)

		if err := e.store.SaveStep(ctx, runID, step, st.id, state); err != nil {
			return fail(step, st.id, &EngineError{
				Message: "failed to save step " + st.id,
				Code:    "STORE_ERROR",
				Cause:   err,
			})
		}

		for _, ev := range result.Events {
			ev.RunID = runID
			ev.Step = step
			ev.StageID = st.id
			e.emitter.Emit(ev)
		}

		e.emitter.Emit(emit.Event{
			RunID:   runID,
			Step:    step,
			StageID: st.id,
			Msg:     emit.MsgStageEnd,
			Meta: map[string]interface{}{
				"attempts":    attempts,
				"duration_ms": e.now().Sub(stageStart).Milliseconds(),
			},
		})
	}

	e.opts.Metrics.RecordRun(RunStatusSucceeded)
	e.emitter.Emit(emit.Event{
		RunID: runID,
		Step:  len(stages),
		Msg:   emit.MsgRunEnd,
		Meta: map[string]interface{}{
			"duration_ms": e.now().Sub(runStart).Milliseconds(),
		},
	})

	return state, nil
}

// runStage executes one stage, retrying per its policy. It returns the
// successful result, the number of attempts made and the final error.
func (e *Engine[S]) runStage(ctx context.Context, runID string, step int, st registeredStage[S], state S) (StageResult[S], int, error) {
	var retry *RetryPolicy
	if st.policy != nil {
		retry = st.policy.RetryPolicy
	}

	for attempt := 1; ; attempt++ {
		input, err := deepCopy(state)
		if err != nil {
			return StageResult[S]{}, attempt, &EngineError{Message: "cannot copy state", Code: "STATE_COPY", Cause: err}
		}

		e.opts.Metrics.StageStarted()
		began := e.now()
		result, timeoutErr := executeStageWithTimeout(ctx, st.stage, st.id, input, st.policy, e.opts.DefaultStageTimeout)
		latency := e.now().Sub(began)
		e.opts.Metrics.StageFinished()

		err = timeoutErr
		if err == nil {
			err = result.Err
		}
		e.opts.Metrics.RecordStage(st.id, latency, stageStatus(ctx, err, timeoutErr))

		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return StageResult[S]{}, attempt, err
		}
		if !retry.shouldRetry(err, attempt) {
			if retry != nil && retry.Retryable != nil && attempt >= retry.MaxAttempts && retry.Retryable(err) {
				err = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, err)
			}
			return StageResult[S]{}, attempt, err
		}

		reason := StatusError
		if timeoutErr != nil {
			reason = StatusTimeout
		}
		delay := computeBackoff(attempt-1, retry.BaseDelay, retry.MaxDelay, nil)
		e.opts.Metrics.IncrementRetries(st.id, reason)
		e.emitter.Emit(emit.Event{
			RunID:   runID,
			Step:    step,
			StageID: st.id,
			Msg:     emit.MsgStageRetry,
			Meta: map[string]interface{}{
				"attempt":  attempt,
				"reason":   reason,
				"error":    err.Error(),
				"delay_ms": delay.Milliseconds(),
			},
		})

		if err := e.sleep(ctx, delay); err != nil {
			return StageResult[S]{}, attempt, err
		}
	}
}

func stageStatus(ctx context.Context, err, timeoutErr error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case timeoutErr != nil:
		return StatusTimeout
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusError
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
