// Package steps holds one executor per step kind. Executors perform a single
// side effect against a collaborator and report a uniform Outcome; the
// interpreter owns sequencing, logging and persistence.
package steps

import (
	"context"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Executor runs steps of one type.
type Executor interface {
	Type() schema.StepType
	Execute(ctx context.Context, in Input) (*Outcome, error)
}

// Input is everything an executor may read about the step being run.
type Input struct {
	Step      *schema.Step
	Config    schema.StepConfig
	Options   schema.StepOptions
	Execution *schema.Execution
	Workflow  *schema.Workflow
}

// Outcome is the uniform executor result. Success=false is an expected
// failure; Error carries its reason. Branch is set by conditional steps.
type Outcome struct {
	Success bool
	Data    map[string]any
	Error   string
	Branch  string
	Suspend *Suspension
}

// Suspension asks the interpreter to park the execution in WAITING.
type Suspension struct {
	Reason string
	Until  time.Time
	WaitID string
}

// Succeeded returns a successful outcome carrying data.
func Succeeded(data map[string]any) *Outcome {
	if data == nil {
		data = map[string]any{}
	}
	return &Outcome{Success: true, Data: data}
}

// Failed returns an expected-failure outcome.
func Failed(reason string, data map[string]any) *Outcome {
	return &Outcome{Success: false, Error: reason, Data: data}
}

// loadEntity fetches the execution's trigger entity. It returns nil without
// error when the execution names no entity, the entity type has no table, or
// the record no longer exists.
func loadEntity(ctx context.Context, records store.RecordStore, exec *schema.Execution) (*store.Record, error) {
	if exec == nil || exec.TriggerEntityID == "" {
		return nil, nil
	}
	table, ok := schema.EntityTable(exec.TriggerEntityType)
	if !ok {
		return nil, nil
	}
	rec, err := records.FetchByID(ctx, table, exec.TriggerEntityID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load %s %s: %s",
			exec.TriggerEntityType, exec.TriggerEntityID, err.Error()).WithCause(err)
	}
	return rec, nil
}

func recordFields(rec *store.Record) map[string]any {
	if rec == nil {
		return nil
	}
	return rec.Fields()
}

func scopeFor(in Input, entity map[string]any) *expressions.Scope {
	return expressions.NewScope(in.Workflow, in.Execution, entity)
}

func executionID(in Input) string {
	if in.Execution == nil {
		return ""
	}
	return in.Execution.ID
}

func wrongConfig(in Input, want schema.StepType) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "executor for %s received %T config", want, in.Config).
		WithStep(stepID(in))
}

func stepID(in Input) string {
	if in.Step == nil {
		return ""
	}
	return in.Step.ID
}
