package steps

import (
	"context"
	"sort"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// FieldUpdateExecutor writes literal and computed values to the trigger
// entity, then applies atomic increments.
type FieldUpdateExecutor struct {
	records store.RecordStore
	expr    *expressions.ExprEngine
	interp  *expressions.Interpolator
}

func NewFieldUpdateExecutor(records store.RecordStore, expr *expressions.ExprEngine, interp *expressions.Interpolator) *FieldUpdateExecutor {
	if expr == nil {
		expr = expressions.NewExprEngine()
	}
	if interp == nil {
		interp = expressions.NewInterpolator(false)
	}
	return &FieldUpdateExecutor{records: records, expr: expr, interp: interp}
}

func (e *FieldUpdateExecutor) Type() schema.StepType { return schema.StepTypeFieldUpdate }

func (e *FieldUpdateExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.FieldUpdateConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeFieldUpdate)
	}

	var (
		rec     *store.Record
		written map[string]any
	)
	for attempt := 0; ; attempt++ {
		var err error
		rec, err = loadEntity(ctx, e.records, in.Execution)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return Failed(ReasonNoEntity, nil), nil
		}

		written, err = e.resolve(ctx, in, cfg, rec)
		if err != nil {
			return Failed(err.Error(), nil), nil
		}
		if len(written) == 0 {
			break
		}

		_, err = e.records.Update(ctx, rec.Table, rec.ID, written, rec.Version)
		if err == nil {
			break
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "update fields: %s", err.Error()).WithStep(stepID(in)).WithCause(err)
		}
		if attempt+1 >= maxWriteRetries {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "fields changed concurrently %d times", maxWriteRetries).
				WithStep(stepID(in)).WithCause(err)
		}
	}

	increments := make(map[string]any, len(cfg.Increments))
	for _, field := range sortedKeys(cfg.Increments) {
		v, err := e.records.Increment(ctx, rec.Table, rec.ID, field, cfg.Increments[field])
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "increment %s: %s", field, err.Error()).WithStep(stepID(in)).WithCause(err)
		}
		increments[field] = v
	}

	updated := make([]string, 0, len(written))
	for k := range written {
		updated = append(updated, k)
	}
	sort.Strings(updated)
	return Succeeded(map[string]any{
		"entity_id":  rec.ID,
		"updated":    updated,
		"values":     written,
		"increments": increments,
	}), nil
}

// resolve renders literal updates and evaluates computed fields against the
// freshly read entity. Computed values win over literals of the same name.
func (e *FieldUpdateExecutor) resolve(ctx context.Context, in Input, cfg *schema.FieldUpdateConfig, rec *store.Record) (map[string]any, error) {
	scope := scopeFor(in, rec.Fields())
	out := make(map[string]any, len(cfg.Updates)+len(cfg.Computed))
	for k, v := range cfg.Updates {
		rendered, err := e.interp.RenderValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	env := scope.Data()
	for _, k := range sortedKeys(cfg.Computed) {
		v, err := e.expr.Evaluate(ctx, cfg.Computed[k], env)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	delete(out, "id")
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
