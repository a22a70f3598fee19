package schema

import (
	"encoding/json"
	"time"
)

// Workflow is a user-authored automation: a trigger type plus a graph of steps.
// Counters and timestamps are owned by the engine; the definition and the
// activation flags are owned by the authoring front end.
type Workflow struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	TriggerType     TriggerType     `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig   *TriggerConfig  `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	IsActive        bool            `json:"is_active" yaml:"is_active"`
	IsPaused        bool            `json:"is_paused" yaml:"is_paused"`
	Retry           *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Steps           []Step          `json:"steps" yaml:"steps"`
	ExecutionCount  int64           `json:"execution_count" yaml:"-"`
	SuccessCount    int64           `json:"success_count" yaml:"-"`
	FailureCount    int64           `json:"failure_count" yaml:"-"`
	LastExecutedAt  *time.Time      `json:"last_executed_at,omitempty" yaml:"-"`
	LastScheduledAt *time.Time      `json:"last_scheduled_at,omitempty" yaml:"-"`
	CreatedAt       time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"-"`
	Metadata        json.RawMessage `json:"metadata,omitempty" yaml:"-"`
}

// Eligible reports whether the workflow may be triggered.
func (w *Workflow) Eligible() bool {
	return w.IsActive && !w.IsPaused
}

// Step is one node in a workflow graph. ParentID nil marks a root; Branch
// labels the parent→child edge with the branch outcome it belongs to.
type Step struct {
	ID         string          `json:"id" yaml:"id"`
	WorkflowID string          `json:"workflow_id,omitempty" yaml:"-"`
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type       StepType        `json:"type" yaml:"type"`
	Config     json.RawMessage `json:"config,omitempty" yaml:"-"`
	Position   int             `json:"position" yaml:"position"`
	ParentID   *string         `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Branch     string          `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// DisplayName returns the step name, falling back to its type.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Type)
}

// IsRoot reports whether the step has no parent.
func (s *Step) IsRoot() bool {
	return s.ParentID == nil || *s.ParentID == ""
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTrigger         StepType = "TRIGGER"
	StepTypeEmail           StepType = "EMAIL"
	StepTypeCondition       StepType = "CONDITION"
	StepTypeDelay           StepType = "DELAY"
	StepTypeTaskCreation    StepType = "TASK_CREATION"
	StepTypeTagAssignment   StepType = "TAG_ASSIGNMENT"
	StepTypeFieldUpdate     StepType = "FIELD_UPDATE"
	StepTypeWebhook         StepType = "WEBHOOK"
	StepTypeBranchCondition StepType = "BRANCH_CONDITION"
	StepTypeWaitForEvent    StepType = "WAIT_FOR_EVENT"
)

// Branches reports whether a step of this type resolves to a "true" or
// "false" branch that labeled children follow.
func (t StepType) Branches() bool {
	switch t {
	case StepTypeCondition, StepTypeBranchCondition, StepTypeWaitForEvent:
		return true
	default:
		return false
	}
}

// AllStepTypes lists every recognised step type.
var AllStepTypes = []StepType{
	StepTypeTrigger,
	StepTypeEmail,
	StepTypeCondition,
	StepTypeDelay,
	StepTypeTaskCreation,
	StepTypeTagAssignment,
	StepTypeFieldUpdate,
	StepTypeWebhook,
	StepTypeBranchCondition,
	StepTypeWaitForEvent,
}

// Branch labels produced by conditional steps.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// TriggerType is the kind of occurrence that starts a workflow.
type TriggerType string

const (
	TriggerLeadCreated       TriggerType = "LEAD_CREATED"
	TriggerLeadUpdated       TriggerType = "LEAD_UPDATED"
	TriggerLeadStatusChanged TriggerType = "LEAD_STATUS_CHANGED"
	TriggerContactCreated    TriggerType = "CONTACT_CREATED"
	TriggerContactUpdated    TriggerType = "CONTACT_UPDATED"
	TriggerDealCreated       TriggerType = "DEAL_CREATED"
	TriggerDealStageChanged  TriggerType = "DEAL_STAGE_CHANGED"
	TriggerEmailOpened       TriggerType = "EMAIL_OPENED"
	TriggerEmailClicked      TriggerType = "EMAIL_CLICKED"
	TriggerEmailReplied      TriggerType = "EMAIL_REPLIED"
	TriggerFormSubmitted     TriggerType = "FORM_SUBMITTED"
	TriggerTagAdded          TriggerType = "TAG_ADDED"
	TriggerTaskCompleted     TriggerType = "TASK_COMPLETED"
	TriggerScheduledTime     TriggerType = "SCHEDULED_TIME"
)

// TriggerConfig parameterises SCHEDULED_TIME workflows. Cron is a standard
// five-field expression; Interval is a Go duration. Cron wins when both are set.
type TriggerConfig struct {
	Cron       string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Interval   string `json:"interval,omitempty" yaml:"interval,omitempty"`
	EntityType string `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
}

// RetryPolicy configures re-enqueueing of FAILED executions.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty" yaml:"delay,omitempty"`         // base delay, e.g. "30s"
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap, e.g. "1h"
}
