package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/pipeline/store"
)

type testState struct {
	Trace []string `json:"trace,omitempty"`
	Count int      `json:"count"`
}

func testReducer(prev, delta testState) testState {
	prev.Trace = append(prev.Trace, delta.Trace...)
	prev.Count += delta.Count
	return prev
}

// callLog records stage invocations across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// recordingStage logs its start and end and returns err.
func recordingStage(log *callLog, name string, err error) Stage[testState] {
	return StageFunc[testState](func(_ context.Context, _ testState) StageResult[testState] {
		log.add(name + ":start")
		defer log.add(name + ":end")
		if err != nil {
			return StageResult[testState]{Err: err}
		}
		return StageResult[testState]{Delta: testState{Trace: []string{name}, Count: 1}}
	})
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine[testState], *store.MemStore[testState], *emit.BufferedEmitter) {
	t.Helper()
	st := store.NewMemStore[testState]()
	em := emit.NewBufferedEmitter()
	e, err := New[testState](testReducer, st, em, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e, st, em
}

func messages(events []emit.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Msg
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	st := store.NewMemStore[testState]()

	t.Run("nil reducer", func(t *testing.T) {
		_, err := New[testState](nil, st, nil)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "MISSING_REDUCER" {
			t.Errorf("expected MISSING_REDUCER, got %v", err)
		}
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := New[testState](testReducer, nil, nil)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "MISSING_STORE" {
			t.Errorf("expected MISSING_STORE, got %v", err)
		}
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := New[testState](testReducer, st, nil, WithDefaultStageTimeout(-time.Second))
		if err == nil {
			t.Error("expected error for negative timeout")
		}
	})

	t.Run("nil emitter is allowed", func(t *testing.T) {
		e, err := New[testState](testReducer, st, nil, WithRunWallClockBudget(time.Hour))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if e.opts.RunWallClockBudget != time.Hour {
			t.Errorf("expected budget = 1h, got %v", e.opts.RunWallClockBudget)
		}
	})
}

func TestEngine_Add(t *testing.T) {
	log := &callLog{}
	stage := recordingStage(log, "a", nil)

	tests := []struct {
		name    string
		id      string
		stage   Stage[testState]
		policy  []StagePolicy
		wantErr error
		code    string
	}{
		{name: "empty id", id: "", stage: stage, code: "INVALID_STAGE"},
		{name: "nil stage", id: "a", stage: nil, code: "INVALID_STAGE"},
		{name: "negative timeout", id: "a", stage: stage, policy: []StagePolicy{{Timeout: -1}}, code: "INVALID_POLICY"},
		{name: "invalid retry", id: "a", stage: stage, policy: []StagePolicy{{RetryPolicy: &RetryPolicy{MaxAttempts: 0}}}, wantErr: ErrInvalidRetryPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			err := e.Add(tt.id, tt.stage, tt.policy...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.code != "" {
				var engErr *EngineError
				if !errors.As(err, &engErr) || engErr.Code != tt.code {
					t.Errorf("expected code %s, got %v", tt.code, err)
				}
			}
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		if err := e.Add("a", stage); err != nil {
			t.Fatalf("first Add failed: %v", err)
		}
		err := e.Add("a", stage)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_STAGE" {
			t.Errorf("expected DUPLICATE_STAGE, got %v", err)
		}
	})

	t.Run("stages keep insertion order", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		for _, id := range []string{"data_processing", "model_training", "model_card"} {
			if err := e.Add(id, stage); err != nil {
				t.Fatalf("Add(%s) failed: %v", id, err)
			}
		}
		if diff := cmp.Diff([]string{"data_processing", "model_training", "model_card"}, e.Stages()); diff != "" {
			t.Errorf("Stages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEngine_Run_NoStages(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Run(context.Background(), "run-1", testState{}); !errors.Is(err, ErrNoStages) {
		t.Errorf("expected ErrNoStages, got %v", err)
	}
	if _, err := e.Run(context.Background(), "", testState{}); err == nil {
		t.Error("expected error for empty run ID")
	}
}

func TestEngine_Run_Sequential(t *testing.T) {
	e, st, em := newTestEngine(t)
	log := &callLog{}

	_ = e.Add("data_processing", recordingStage(log, "data", nil))
	_ = e.Add("model_training", recordingStage(log, "train", nil))

	final, err := e.Run(context.Background(), "run-1", testState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The second stage starts only after the first has returned, and runs once.
	want := []string{"data:start", "data:end", "train:start", "train:end"}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(testState{Trace: []string{"data", "train"}, Count: 2}, final); diff != "" {
		t.Errorf("final state mismatch (-want +got):\n%s", diff)
	}

	steps, err := st.ListSteps(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 persisted steps, got %d", len(steps))
	}
	if steps[0].StageID != "data_processing" || steps[1].StageID != "model_training" {
		t.Errorf("unexpected persisted stages: %s, %s", steps[0].StageID, steps[1].StageID)
	}
	if steps[0].State.Count != 1 {
		t.Errorf("expected step 1 count = 1, got %d", steps[0].State.Count)
	}

	wantMsgs := []string{
		emit.MsgRunStart,
		emit.MsgStageStart, emit.MsgStageEnd,
		emit.MsgStageStart, emit.MsgStageEnd,
		emit.MsgRunEnd,
	}
	if diff := cmp.Diff(wantMsgs, messages(em.History("run-1"))); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Run_FailureStopsPipeline(t *testing.T) {
	e, st, em := newTestEngine(t)
	log := &callLog{}
	errBoom := errors.New("raw data unreadable")

	_ = e.Add("data_processing", recordingStage(log, "data", errBoom))
	_ = e.Add("model_training", recordingStage(log, "train", nil))

	_, err := e.Run(context.Background(), "run-1", testState{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("expected error chain to contain stage error, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if stageErr.StageID != "data_processing" || stageErr.Attempt != 1 {
		t.Errorf("expected data_processing attempt 1, got %s attempt %d", stageErr.StageID, stageErr.Attempt)
	}

	if diff := cmp.Diff([]string{"data:start", "data:end"}, log.get()); diff != "" {
		t.Errorf("training must not run after a failed data stage (-want +got):\n%s", diff)
	}

	if _, err := st.LoadLatest(context.Background(), "run-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected nothing persisted, got %v", err)
	}

	wantMsgs := []string{emit.MsgRunStart, emit.MsgStageStart, emit.MsgStageError, emit.MsgRunFailed}
	if diff := cmp.Diff(wantMsgs, messages(em.History("run-1"))); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Run_StageEventsAreStamped(t *testing.T) {
	e, _, em := newTestEngine(t)

	_ = e.Add("data_processing", StageFunc[testState](func(context.Context, testState) StageResult[testState] {
		return StageResult[testState]{Events: []emit.Event{{Msg: "rows_loaded", Meta: map[string]interface{}{"rows": 150}}}}
	}))

	if _, err := e.Run(context.Background(), "run-1", testState{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := em.HistoryWithFilter("run-1", emit.HistoryFilter{Msg: "rows_loaded"})
	if len(events) != 1 {
		t.Fatalf("expected 1 stage event, got %d", len(events))
	}
	if events[0].Step != 1 || events[0].StageID != "data_processing" {
		t.Errorf("expected step 1 / data_processing, got %d / %s", events[0].Step, events[0].StageID)
	}
	if events[0].Meta["rows"] != 150 {
		t.Errorf("expected rows = 150, got %v", events[0].Meta["rows"])
	}
}

func TestEngine_Run_ContextCancelled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	log := &callLog{}
	_ = e.Add("data_processing", recordingStage(log, "data", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, "run-1", testState{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(log.get()) != 0 {
		t.Errorf("expected no stage to run, got %v", log.get())
	}
}

func TestEngine_Run_CancelBetweenStages(t *testing.T) {
	e, _, _ := newTestEngine(t)
	log := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())

	_ = e.Add("data_processing", StageFunc[testState](func(context.Context, testState) StageResult[testState] {
		log.add("data")
		cancel()
		return StageResult[testState]{}
	}))
	_ = e.Add("model_training", recordingStage(log, "train", nil))

	if _, err := e.Run(ctx, "run-1", testState{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if diff := cmp.Diff([]string{"data"}, log.get()); diff != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestEngine_Run_Timeout(t *testing.T) {
	e, _, _ := newTestEngine(t)

	blocking := StageFunc[testState](func(ctx context.Context, _ testState) StageResult[testState] {
		<-ctx.Done()
		return StageResult[testState]{Err: ctx.Err()}
	})
	_ = e.Add("model_training", blocking, StagePolicy{Timeout: 10 * time.Millisecond})

	_, err := e.Run(context.Background(), "run-1", testState{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "STAGE_TIMEOUT" {
		t.Fatalf("expected STAGE_TIMEOUT, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded in chain, got %v", err)
	}
}

func TestEngine_Run_DefaultTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t, WithDefaultStageTimeout(10*time.Millisecond))

	blocking := StageFunc[testState](func(ctx context.Context, _ testState) StageResult[testState] {
		<-ctx.Done()
		return StageResult[testState]{Err: ctx.Err()}
	})
	_ = e.Add("slow", blocking)

	if _, err := e.Run(context.Background(), "run-1", testState{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestEngine_Run_Retry(t *testing.T) {
	errTransient := errors.New("rate limited")
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewPrometheusMetrics(registry)
		e, _, em := newTestEngine(t, WithMetrics(metrics))

		attempts := 0
		flaky := StageFunc[testState](func(context.Context, testState) StageResult[testState] {
			attempts++
			if attempts < 3 {
				return StageResult[testState]{Err: errTransient}
			}
			return StageResult[testState]{Delta: testState{Count: 1}}
		})
		_ = e.Add("model_card", flaky, StagePolicy{RetryPolicy: &RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Retryable:   retryable,
		}})

		final, err := e.Run(context.Background(), "run-1", testState{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
		if final.Count != 1 {
			t.Errorf("expected count = 1, got %d", final.Count)
		}

		retries := em.HistoryWithFilter("run-1", emit.HistoryFilter{Msg: emit.MsgStageRetry})
		if len(retries) != 2 {
			t.Errorf("expected 2 retry events, got %d", len(retries))
		}
		if got := testutil.ToFloat64(metrics.retries.WithLabelValues("model_card", StatusError)); got != 2 {
			t.Errorf("expected retries_total = 2, got %v", got)
		}
		if got := testutil.ToFloat64(metrics.stageRuns.WithLabelValues("model_card", StatusSuccess)); got != 1 {
			t.Errorf("expected 1 successful attempt, got %v", got)
		}
		if got := testutil.ToFloat64(metrics.runs.WithLabelValues(RunStatusSucceeded)); got != 1 {
			t.Errorf("expected runs_total{succeeded} = 1, got %v", got)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		attempts := 0
		_ = e.Add("model_card", StageFunc[testState](func(context.Context, testState) StageResult[testState] {
			attempts++
			return StageResult[testState]{Err: errTransient}
		}), StagePolicy{RetryPolicy: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: retryable}})

		_, err := e.Run(context.Background(), "run-1", testState{})
		if !errors.Is(err, ErrMaxAttemptsExceeded) {
			t.Errorf("expected ErrMaxAttemptsExceeded, got %v", err)
		}
		if !errors.Is(err, errTransient) {
			t.Errorf("expected original error in chain, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
		var stageErr *StageError
		if errors.As(err, &stageErr) && stageErr.Attempt != 3 {
			t.Errorf("expected StageError.Attempt = 3, got %d", stageErr.Attempt)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		attempts := 0
		errPermanent := errors.New("invalid api key")
		_ = e.Add("model_card", StageFunc[testState](func(context.Context, testState) StageResult[testState] {
			attempts++
			return StageResult[testState]{Err: errPermanent}
		}), StagePolicy{RetryPolicy: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: retryable}})

		_, err := e.Run(context.Background(), "run-1", testState{})
		if !errors.Is(err, errPermanent) {
			t.Errorf("expected permanent error, got %v", err)
		}
		if errors.Is(err, ErrMaxAttemptsExceeded) {
			t.Error("permanent error should not report exhausted retries")
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("each attempt gets a fresh copy of state", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		attempts := 0
		_ = e.Add("mutating", StageFunc[testState](func(_ context.Context, s testState) StageResult[testState] {
			attempts++
			if len(s.Trace) != 1 {
				return StageResult[testState]{Err: errors.New("state leaked between attempts")}
			}
			s.Trace = append(s.Trace, "partial")
			if attempts == 1 {
				return StageResult[testState]{Err: errTransient}
			}
			return StageResult[testState]{}
		}), StagePolicy{RetryPolicy: &RetryPolicy{MaxAttempts: 2, Retryable: retryable}})

		if _, err := e.Run(context.Background(), "run-1", testState{Trace: []string{"seed"}}); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	})
}

func TestEngine_Resume(t *testing.T) {
	ctx := context.Background()

	t.Run("continues after last persisted stage", func(t *testing.T) {
		e, _, em := newTestEngine(t)
		log := &callLog{}

		failTraining := true
		_ = e.Add("data_processing", recordingStage(log, "data", nil))
		_ = e.Add("model_training", StageFunc[testState](func(context.Context, testState) StageResult[testState] {
			log.add("train")
			if failTraining {
				return StageResult[testState]{Err: errors.New("out of memory")}
			}
			return StageResult[testState]{Delta: testState{Trace: []string{"train"}, Count: 1}}
		}))

		if _, err := e.Run(ctx, "run-1", testState{}); err == nil {
			t.Fatal("expected first run to fail")
		}

		failTraining = false
		final, err := e.Resume(ctx, "run-1")
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}

		want := []string{"data:start", "data:end", "train", "train"}
		if diff := cmp.Diff(want, log.get()); diff != "" {
			t.Errorf("data stage must not rerun on resume (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(testState{Trace: []string{"data", "train"}, Count: 2}, final); diff != "" {
			t.Errorf("final state mismatch (-want +got):\n%s", diff)
		}
		if got := em.HistoryWithFilter("run-1", emit.HistoryFilter{Msg: emit.MsgRunResume}); len(got) != 1 {
			t.Errorf("expected 1 run_resume event, got %d", len(got))
		}
	})

	t.Run("complete run", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_ = e.Add("data_processing", recordingStage(&callLog{}, "data", nil))
		_, _ = e.Run(ctx, "run-1", testState{})

		if _, err := e.Resume(ctx, "run-1"); !errors.Is(err, ErrRunComplete) {
			t.Errorf("expected ErrRunComplete, got %v", err)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_ = e.Add("data_processing", recordingStage(&callLog{}, "data", nil))

		if _, err := e.Resume(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected store.ErrNotFound, got %v", err)
		}
	})

	t.Run("unknown stage", func(t *testing.T) {
		e, st, _ := newTestEngine(t)
		_ = e.Add("data_processing", recordingStage(&callLog{}, "data", nil))
		_ = st.SaveStep(ctx, "run-1", 1, "feature_selection", testState{})

		if _, err := e.Resume(ctx, "run-1"); !errors.Is(err, ErrUnknownStage) {
			t.Errorf("expected ErrUnknownStage, got %v", err)
		}
	})
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)
	e, _, _ := newTestEngine(t, WithMetrics(metrics))

	_ = e.Add("data_processing", recordingStage(&callLog{}, "data", nil))
	_ = e.Add("model_training", recordingStage(&callLog{}, "train", errors.New("diverged")))

	_, _ = e.Run(context.Background(), "run-1", testState{})

	if got := testutil.ToFloat64(metrics.stageRuns.WithLabelValues("data_processing", StatusSuccess)); got != 1 {
		t.Errorf("expected data_processing success = 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.stageRuns.WithLabelValues("model_training", StatusError)); got != 1 {
		t.Errorf("expected model_training error = 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(RunStatusFailed)); got != 1 {
		t.Errorf("expected runs_total{failed} = 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.inflightStages); got != 0 {
		t.Errorf("expected inflight_stages = 0 after run, got %v", got)
	}
	if n := testutil.CollectAndCount(metrics.stageLatency); n != 2 {
		t.Errorf("expected 2 latency series, got %d", n)
	}
}
