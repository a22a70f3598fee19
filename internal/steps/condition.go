package steps

import (
	"context"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// ConditionExecutor tests the trigger entity and reports the branch that
// fired. It serves both CONDITION and BRANCH_CONDITION; they differ only in
// step type.
type ConditionExecutor struct {
	stepType schema.StepType
	records  store.RecordStore
	cel      *expressions.CELEngine
}

func NewConditionExecutor(records store.RecordStore, cel *expressions.CELEngine) *ConditionExecutor {
	return &ConditionExecutor{stepType: schema.StepTypeCondition, records: records, cel: cel}
}

func NewBranchConditionExecutor(records store.RecordStore, cel *expressions.CELEngine) *ConditionExecutor {
	return &ConditionExecutor{stepType: schema.StepTypeBranchCondition, records: records, cel: cel}
}

func (e *ConditionExecutor) Type() schema.StepType { return e.stepType }

func (e *ConditionExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	var cond schema.ConditionConfig
	switch c := in.Config.(type) {
	case *schema.ConditionConfig:
		cond = *c
	case *schema.BranchConditionConfig:
		cond = c.ConditionConfig
	default:
		return nil, wrongConfig(in, e.stepType)
	}

	rec, err := loadEntity(ctx, e.records, in.Execution)
	if err != nil {
		return nil, err
	}
	entity := recordFields(rec)

	data := map[string]any{"entity_found": rec != nil}
	var met bool
	if cond.Expression != "" {
		if e.cel == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no CEL engine configured").WithStep(stepID(in))
		}
		met, err = e.cel.EvaluateBool(ctx, cond.Expression, scopeFor(in, entity).Data())
		if err != nil {
			return Failed(err.Error(), data), nil
		}
		data["expression"] = cond.Expression
	} else {
		met = conditions.Evaluate(cond.Field, cond.Operator, cond.Value, entity)
		data["field"] = cond.Field
		data["operator"] = cond.Operator
	}

	branch := schema.BranchFalse
	if met {
		branch = schema.BranchTrue
	}
	data["condition_met"] = met
	data["branch"] = branch

	out := Succeeded(data)
	out.Branch = branch
	return out, nil
}
