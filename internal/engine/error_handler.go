package engine

import (
	"context"
	"errors"

	"github.com/rendis/autoflow/pkg/schema"
)

// StepFailureResult describes what the walk does after a failed step.
type StepFailureResult struct {
	// Continue is true when the step opted out of stop-on-error.
	Continue bool
	// Reason is the failure message recorded in the log.
	Reason string
}

// HandleStepFailure decides whether the walk continues past a failed step
// and records the failure as a step_failed audit event. stepErr wins over
// reason when both are set.
func HandleStepFailure(
	ctx context.Context,
	fsm *ExecutionFSM,
	exec *schema.Execution,
	node *Node,
	reason string,
	stepErr error,
) (*StepFailureResult, error) {
	if stepErr != nil {
		reason = stepErr.Error()
	}
	if reason == "" {
		reason = "step failed"
	}
	res := &StepFailureResult{
		Continue: !node.Options.ShouldStopOnError(),
		Reason:   reason,
	}

	payload := map[string]any{
		"step_type": string(node.Step.Type),
		"error":     reason,
		"continue":  res.Continue,
	}
	var ae *schema.AutoflowError
	if errors.As(stepErr, &ae) {
		payload["code"] = ae.Code
	}
	if err := fsm.Emit(ctx, exec, node.Step.ID, schema.EventStepFailed, payload); err != nil {
		return res, err
	}
	return res, nil
}
