package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

func strPtr(s string) *string { return &s }

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := NewWorkflowValidator(cel)
	require.NoError(t, err)
	return v
}

func validWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:          "wf-1",
		Name:        "Qualify",
		TriggerType: schema.TriggerLeadCreated,
		IsActive:    true,
		Steps: []schema.Step{
			{ID: "t", Type: schema.StepTypeTrigger, Position: 0},
			{ID: "c", Type: schema.StepTypeBranchCondition, Position: 1, ParentID: strPtr("t"),
				Config: json.RawMessage(`{"field":"score","operator":"GREATER_THAN","value":50}`)},
			{ID: "hot", Type: schema.StepTypeTagAssignment, Position: 2, ParentID: strPtr("c"), Branch: "true",
				Config: json.RawMessage(`{"tagsToAdd":["hot"]}`)},
			{ID: "cold", Type: schema.StepTypeEmail, Position: 3, ParentID: strPtr("c"), Branch: "false",
				Config: json.RawMessage(`{"subject":"Still there?","body":"Hi ${{ entity.firstName }}"}`)},
		},
	}
}

func TestValidate_ValidWorkflow(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(validWorkflow())
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateWorkflow(validWorkflow()))
}

func TestValidate_EmptyStepsAllowed(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = nil
	assert.True(t, newValidator(t).Validate(wf).Valid())
}

func TestValidate_Nil(t *testing.T) {
	assert.False(t, newValidator(t).Validate(nil).Valid())
}

func TestValidate_Structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wf *schema.Workflow)
	}{
		{"unknown trigger type", func(wf *schema.Workflow) { wf.TriggerType = "LEAD_DELETED" }},
		{"missing name", func(wf *schema.Workflow) { wf.Name = "" }},
		{"unknown step type", func(wf *schema.Workflow) { wf.Steps[0].Type = "SMS" }},
		{"bad branch label", func(wf *schema.Workflow) { wf.Steps[2].Branch = "maybe" }},
		{"webhook without url", func(wf *schema.Workflow) {
			wf.Steps[3].Type = schema.StepTypeWebhook
			wf.Steps[3].Config = json.RawMessage(`{"method":"POST"}`)
		}},
		{"condition without operator", func(wf *schema.Workflow) {
			wf.Steps[1].Config = json.RawMessage(`{"field":"score"}`)
		}},
		{"bad operator enum", func(wf *schema.Workflow) {
			wf.Steps[1].Config = json.RawMessage(`{"field":"score","operator":"BETWEEN"}`)
		}},
		{"tags not array", func(wf *schema.Workflow) { wf.Steps[2].Config = json.RawMessage(`{"tagsToAdd":"hot"}`) }},
		{"bad timeout", func(wf *schema.Workflow) { wf.Steps[2].Config = json.RawMessage(`{"timeout":"soon"}`) }},
		{"retry without attempts", func(wf *schema.Workflow) { wf.Retry = &schema.RetryPolicy{Backoff: "linear"} }},
		{"config not json object", func(wf *schema.Workflow) { wf.Steps[0].Config = json.RawMessage(`[1]`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			result := newValidator(t).Validate(wf)
			require.False(t, result.Valid())
			assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
		})
	}
}

func TestValidate_Semantic(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wf *schema.Workflow)
		code   string
	}{
		{"unknown parent", func(wf *schema.Workflow) { wf.Steps[2].ParentID = strPtr("ghost") }, schema.ErrCodeValidation},
		{"self parent", func(wf *schema.Workflow) { wf.Steps[2].ParentID = strPtr("hot") }, schema.ErrCodeCycleDetected},
		{"duplicate id", func(wf *schema.Workflow) { wf.Steps[3].ID = "hot" }, schema.ErrCodeValidation},
		{"scheduled without config", func(wf *schema.Workflow) { wf.TriggerType = schema.TriggerScheduledTime }, schema.ErrCodeValidation},
		{"bad cron", func(wf *schema.Workflow) {
			wf.TriggerType = schema.TriggerScheduledTime
			wf.TriggerConfig = &schema.TriggerConfig{Cron: "every day"}
		}, schema.ErrCodeValidation},
		{"bad cel", func(wf *schema.Workflow) {
			wf.Steps[1].Config = json.RawMessage(`{"expression":"entity.score >"}`)
		}, schema.ErrCodeValidation},
		{"relative webhook url", func(wf *schema.Workflow) {
			wf.Steps[3].Type = schema.StepTypeWebhook
			wf.Steps[3].Config = json.RawMessage(`{"url":"/hooks/lead"}`)
		}, schema.ErrCodeValidation},
		{"bad retry delay", func(wf *schema.Workflow) {
			wf.Retry = &schema.RetryPolicy{MaxAttempts: 2, Delay: "1x"}
		}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			result := newValidator(t).Validate(wf)
			require.False(t, result.Valid())
			assert.Equal(t, tt.code, result.Errors[0].Code, "%+v", result.Errors)
		})
	}
}

func TestValidate_ScheduledOK(t *testing.T) {
	wf := validWorkflow()
	wf.TriggerType = schema.TriggerScheduledTime
	wf.TriggerConfig = &schema.TriggerConfig{Cron: "0 9 * * MON-FRI", EntityType: "lead", EntityID: "lead-1"}
	assert.True(t, newValidator(t).Validate(wf).Valid())

	wf.TriggerConfig = &schema.TriggerConfig{Interval: "1h"}
	assert.True(t, newValidator(t).Validate(wf).Valid())
}

func TestValidate_InterpolatedWebhookURL(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[3].Type = schema.StepTypeWebhook
	wf.Steps[3].Config = json.RawMessage(`{"url":"${{ entity.callbackUrl }}"}`)
	assert.True(t, newValidator(t).Validate(wf).Valid())
}

func TestValidate_Graph(t *testing.T) {
	t.Run("multiple entries", func(t *testing.T) {
		wf := validWorkflow()
		wf.Steps[3].ParentID = nil
		wf.Steps[3].Branch = ""
		result := newValidator(t).Validate(wf)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
		assert.Contains(t, result.Errors[0].Message, "2 entry steps")
	})

	t.Run("two step cycle", func(t *testing.T) {
		wf := validWorkflow()
		wf.Steps = append(wf.Steps,
			schema.Step{ID: "x", Type: schema.StepTypeTrigger, ParentID: strPtr("y")},
			schema.Step{ID: "y", Type: schema.StepTypeTrigger, ParentID: strPtr("x")},
		)
		result := newValidator(t).Validate(wf)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
		assert.Contains(t, result.Errors[0].Message, "x, y")

		err := newValidator(t).ValidateWorkflow(wf)
		assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	})

	t.Run("no entry", func(t *testing.T) {
		result := validateGraph([]schema.Step{
			{ID: "a", ParentID: strPtr("b")},
			{ID: "b", ParentID: strPtr("a")},
		})
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	})
}

func TestValidate_BranchWarnings(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[3].Branch = ""
	wf.Steps[2].ParentID = strPtr("t")
	wf.Steps[2].Branch = "true"

	result := newValidator(t).Validate(wf)
	require.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	var msgs []string
	for _, w := range result.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, msgs[0]+msgs[1], "unlabeled children")
	assert.Contains(t, msgs[0]+msgs[1], "is ignored")
}

func TestValidate_WaitForEventBranchLabels(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps,
		schema.Step{ID: "await", Type: schema.StepTypeWaitForEvent, Position: 4, ParentID: strPtr("hot"),
			Config: json.RawMessage(`{"eventType":"email.opened","waitTimeout":"72h"}`)},
		schema.Step{ID: "opened", Type: schema.StepTypeTagAssignment, Position: 5, ParentID: strPtr("await"), Branch: "true",
			Config: json.RawMessage(`{"tagsToAdd":["engaged"]}`)},
	)

	result := newValidator(t).Validate(wf)
	require.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings, "labels under a wait are honored")

	wf.Steps[5].Branch = ""
	result = newValidator(t).Validate(wf)
	require.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "unlabeled children")
}

func TestValidate_DelayTooLong(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, schema.Step{ID: "pause", Type: schema.StepTypeDelay, Position: 4, ParentID: strPtr("hot"),
		Config: json.RawMessage(`{"delay":1e12,"unit":"days"}`)})

	result := newValidator(t).Validate(wf)
	require.False(t, result.Valid())
	var msgs []string
	for _, e := range result.Errors {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, strings.Join(msgs, "\n"), "exceeds the maximum")
}

func TestJSONSchemaValidator_StepConfigErrorsCarryStep(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = jsv.ValidateStepConfig(&schema.Step{ID: "w", Type: schema.StepTypeWaitForEvent, Config: json.RawMessage(`{}`)})
	require.Error(t, err)
	var afErr *schema.AutoflowError
	require.ErrorAs(t, err, &afErr)
	assert.Equal(t, "w", afErr.StepID)

	assert.NoError(t, jsv.ValidateStepConfig(&schema.Step{ID: "d", Type: schema.StepTypeDelay}))
}
