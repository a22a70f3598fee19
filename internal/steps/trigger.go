package steps

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// TriggerExecutor acknowledges the event that started the execution.
type TriggerExecutor struct{}

func NewTriggerExecutor() *TriggerExecutor { return &TriggerExecutor{} }

func (e *TriggerExecutor) Type() schema.StepType { return schema.StepTypeTrigger }

func (e *TriggerExecutor) Execute(_ context.Context, in Input) (*Outcome, error) {
	data := map[string]any{"acknowledged": true}
	if in.Execution != nil && in.Execution.TriggerEvent != "" {
		data["trigger_event"] = in.Execution.TriggerEvent
	}
	return Succeeded(data), nil
}
