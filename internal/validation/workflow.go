package validation

import (
	"fmt"

	"github.com/rendis/autoflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema for the document and each step config)
// 2. Semantic (parent refs, typed configs, triggers, expressions)
// 3. Graph (single entry, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// exprs may be nil to skip CEL compilation checks.
func NewWorkflowValidator(exprs ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}

	// Stage 1: Structural.
	addStructural(result, "/", wv.jsonSchema.ValidateWorkflow(wf))
	for i := range wf.Steps {
		addStructural(result, fmt.Sprintf("steps[%d].config", i), wv.jsonSchema.ValidateStepConfig(&wf.Steps[i]))
	}
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(wf, wv.exprs))

	// Stage 3: Graph (parent refs must be sound first).
	if result.Valid() {
		result.Merge(validateGraph(wf.Steps))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// addStructural converts a JSONSchemaValidator error into result issues.
func addStructural(result *schema.ValidationResult, path string, err error) {
	if err == nil {
		return
	}
	afErr, ok := err.(*schema.AutoflowError)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if afErr.StepID != "" {
		path = fmt.Sprintf("%s (step %s)", path, afErr.StepID)
	}
	if violations, ok := afErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError(path, schema.ErrCodeValidation, afErr.Message)
}

var _ Validator = (*WorkflowValidator)(nil)
