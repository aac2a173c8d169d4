package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// getStageTimeout resolves the timeout for one attempt:
//  1. StagePolicy.Timeout
//  2. defaultTimeout
//  3. 0 (unbounded)
func getStageTimeout(policy *StagePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeStageWithTimeout runs one attempt of a stage under its timeout.
//
// The returned error is non-nil only when the stage's own deadline expired;
// the parent context's cancellation or budget is left for the caller to
// report.
func executeStageWithTimeout[S any](
	ctx context.Context,
	stage Stage[S],
	stageID string,
	state S,
	policy *StagePolicy,
	defaultTimeout time.Duration,
) (StageResult[S], error) {
	timeout := getStageTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return stage.Run(ctx, state), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := stage.Run(timeoutCtx, state)

	if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return result, &EngineError{
			Message: fmt.Sprintf("stage %s exceeded timeout of %v", stageID, timeout),
			Code:    "STAGE_TIMEOUT",
			Cause:   context.DeadlineExceeded,
		}
	}

	return result, nil
}
