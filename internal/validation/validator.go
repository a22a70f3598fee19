package validation

import "github.com/rendis/autoflow/pkg/schema"

// Validator checks workflow definitions before they are stored or executed.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
	ValidateWorkflow(wf *schema.Workflow) error
}
