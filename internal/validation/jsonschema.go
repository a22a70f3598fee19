package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

const schemaBase = "https://autoflow.dev/schemas/"

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// workflowSchemaJSON describes the persisted workflow document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "trigger_type"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "trigger_type": {
      "type": "string",
      "enum": ["LEAD_CREATED", "LEAD_UPDATED", "LEAD_STATUS_CHANGED", "CONTACT_CREATED", "CONTACT_UPDATED",
               "DEAL_CREATED", "DEAL_STAGE_CHANGED", "EMAIL_OPENED", "EMAIL_CLICKED", "EMAIL_REPLIED",
               "FORM_SUBMITTED", "TAG_ADDED", "TASK_COMPLETED", "SCHEDULED_TIME"]
    },
    "trigger_config": {
      "type": "object",
      "properties": {
        "cron": { "type": "string" },
        "interval": { "type": "string", "pattern": "` + durationPattern + `" },
        "entity_type": { "type": "string" },
        "entity_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "type": "string", "pattern": "` + durationPattern + `" },
        "max_delay": { "type": "string", "pattern": "` + durationPattern + `" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": {
            "type": "string",
            "enum": ["TRIGGER", "EMAIL", "CONDITION", "DELAY", "TASK_CREATION", "TAG_ASSIGNMENT",
                     "FIELD_UPDATE", "WEBHOOK", "BRANCH_CONDITION", "WAIT_FOR_EVENT"]
          },
          "position": { "type": "integer", "minimum": 0 },
          "parent_id": { "type": ["string", "null"] },
          "branch": { "type": "string", "enum": ["", "true", "false"] }
        }
      }
    }
  }
}`

// Step config schemas, keyed by step type. Unknown keys are tolerated so
// front-end metadata survives; known keys are type-checked.
const commonOptions = `
    "stopOnError": { "type": "boolean" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" }`

const conditionProperties = `
    "field": { "type": "string", "minLength": 1 },
    "operator": {
      "type": "string",
      "enum": ["EQUALS", "NOT_EQUALS", "GREATER_THAN", "LESS_THAN", "GREATER_THAN_OR_EQUAL",
               "LESS_THAN_OR_EQUAL", "CONTAINS", "NOT_CONTAINS", "IS_EMPTY", "IS_NOT_EMPTY", "IS_TRUE", "IS_FALSE"]
    },
    "value": {},
    "expression": { "type": "string", "minLength": 1 },`

const conditionRule = `"anyOf": [
    { "required": ["expression"] },
    { "required": ["field", "operator"] }
  ]`

var stepConfigSchemas = map[schema.StepType]string{
	schema.StepTypeTrigger: `{"type": "object", "properties": {` + commonOptions + `}}`,
	schema.StepTypeEmail: `{"type": "object", "properties": {
    "subject": { "type": "string" },
    "body": { "type": "string" },
    "from": { "type": "string" },
    "templateId": { "type": "string" },` + commonOptions + `}}`,
	schema.StepTypeCondition:       `{"type": "object", "properties": {` + conditionProperties + commonOptions + `}, ` + conditionRule + `}`,
	schema.StepTypeBranchCondition: `{"type": "object", "properties": {` + conditionProperties + commonOptions + `}, ` + conditionRule + `}`,
	schema.StepTypeDelay: `{"type": "object", "properties": {
    "delay": { "type": "number", "minimum": 0 },
    "unit": { "type": "string", "enum": ["seconds", "minutes", "hours", "days"] },
    "duration": { "type": "string", "pattern": "` + durationPattern + `" },` + commonOptions + `}}`,
	schema.StepTypeTaskCreation: `{"type": "object", "required": ["title"], "properties": {
    "title": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "assigneeId": { "type": "string" },
    "dueInDays": { "type": "integer", "minimum": 0 },
    "priority": { "type": "string" },` + commonOptions + `}}`,
	schema.StepTypeTagAssignment: `{"type": "object", "properties": {
    "tagsToAdd": { "type": "array", "items": { "type": "string" } },
    "tagsToRemove": { "type": "array", "items": { "type": "string" } },` + commonOptions + `}}`,
	schema.StepTypeFieldUpdate: `{"type": "object", "properties": {
    "updates": { "type": "object" },
    "computed": { "type": "object", "additionalProperties": { "type": "string" } },
    "increments": { "type": "object", "additionalProperties": { "type": "number" } },` + commonOptions + `}}`,
	schema.StepTypeWebhook: `{"type": "object", "required": ["url"], "properties": {
    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"] },
    "url": { "type": "string", "minLength": 1 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {},
    "extract": { "type": "string" },` + commonOptions + `}}`,
	schema.StepTypeWaitForEvent: `{"type": "object", "required": ["eventType"], "properties": {
    "eventType": { "type": "string", "minLength": 1 },
    "waitTimeout": { "type": "string", "pattern": "` + durationPattern + `" },` + commonOptions + `}}`,
}

// JSONSchemaValidator validates workflow documents and step configs using
// JSON Schema Draft 2020-12. It is safe for concurrent use; every schema is
// compiled once at construction.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	stepSchemas    map[schema.StepType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema and every step config schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	wfSchema, err := compileResource(c, schemaBase+"workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, err
	}

	steps := make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas))
	for typ, doc := range stepConfigSchemas {
		compiled, err := compileResource(c, schemaBase+"steps/"+strings.ToLower(string(typ))+".json", doc)
		if err != nil {
			return nil, err
		}
		steps[typ] = compiled
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema, stepSchemas: steps}, nil
}

func compileResource(c *jsonschema.Compiler, url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateWorkflow validates the workflow document shape.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toAutoflowError(err)
	}
	return nil
}

// ValidateStepConfig validates a step's raw config against its type's schema.
// An empty config is validated as {}.
func (v *JSONSchemaValidator) ValidateStepConfig(step *schema.Step) error {
	compiled, ok := v.stepSchemas[step.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}

	raw := step.Config
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "step config is not valid JSON").
			WithStep(step.ID).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toAutoflowError(err).WithStep(step.ID)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toAutoflowError flattens a jsonschema.ValidationError into one
// VALIDATION_ERROR listing every leaf violation.
func toAutoflowError(err error) *schema.AutoflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
