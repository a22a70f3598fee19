package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// StepConfig is the sealed union of per-type step configurations.
// DecodeStepConfig is the only producer.
type StepConfig interface {
	StepType() StepType
}

// StepOptions are the options shared by every step type.
type StepOptions struct {
	// StopOnError defaults to true when absent.
	StopOnError *bool  `json:"stopOnError,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// ShouldStopOnError reports whether a failure of this step halts the walk.
func (o StepOptions) ShouldStopOnError() bool {
	return o.StopOnError == nil || *o.StopOnError
}

// TimeoutOr parses Timeout, returning def when it is empty or invalid.
func (o StepOptions) TimeoutOr(def time.Duration) time.Duration {
	if o.Timeout == "" {
		return def
	}
	d, err := time.ParseDuration(o.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

type TriggerConfigStep struct{}

type EmailConfig struct {
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	From       string `json:"from,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
}

// ConditionConfig is a single field test, or a CEL expression when
// Expression is set.
type ConditionConfig struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

type BranchConditionConfig struct {
	ConditionConfig
}

type DelayConfig struct {
	Delay    float64 `json:"delay,omitempty"`
	Unit     string  `json:"unit,omitempty"` // seconds | minutes | hours | days
	Duration string  `json:"duration,omitempty"`
}

// DelayUnit returns the length of one unit of a DELAY step; empty means minutes.
func DelayUnit(unit string) (time.Duration, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "seconds":
		return time.Second, true
	case "", "minutes":
		return time.Minute, true
	case "hours":
		return time.Hour, true
	case "days":
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// MaxDelay bounds a single DELAY step.
const MaxDelay = 366 * 24 * time.Hour

// Wait returns the configured delay. Duration wins over Delay+Unit.
func (c DelayConfig) Wait() (time.Duration, error) {
	if c.Duration != "" {
		d, err := time.ParseDuration(c.Duration)
		if err != nil {
			return 0, NewErrorf(ErrCodeValidation, "invalid delay duration %q", c.Duration).WithCause(err)
		}
		if d < 0 {
			return 0, NewErrorf(ErrCodeValidation, "negative delay duration %q", c.Duration)
		}
		if d > MaxDelay {
			return 0, NewErrorf(ErrCodeValidation, "delay duration %q exceeds the maximum of %s", c.Duration, MaxDelay)
		}
		return d, nil
	}
	unit, ok := DelayUnit(c.Unit)
	if !ok {
		return 0, NewErrorf(ErrCodeValidation, "unknown delay unit %q", c.Unit)
	}
	if c.Delay < 0 {
		return 0, NewErrorf(ErrCodeValidation, "negative delay %v", c.Delay)
	}
	if c.Delay*float64(unit) > float64(MaxDelay) {
		return 0, NewErrorf(ErrCodeValidation, "delay %v %s exceeds the maximum of %s", c.Delay, c.Unit, MaxDelay)
	}
	return time.Duration(c.Delay * float64(unit)), nil
}

type TaskCreationConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	DueInDays   int    `json:"dueInDays,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type TagAssignmentConfig struct {
	TagsToAdd    []string `json:"tagsToAdd,omitempty"`
	TagsToRemove []string `json:"tagsToRemove,omitempty"`
}

type FieldUpdateConfig struct {
	Updates    map[string]any     `json:"updates,omitempty"`
	Computed   map[string]string  `json:"computed,omitempty"`
	Increments map[string]float64 `json:"increments,omitempty"`
}

type WebhookConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Extract string            `json:"extract,omitempty"`
}

type WaitForEventConfig struct {
	EventType string `json:"eventType"`
	Timeout   string `json:"waitTimeout,omitempty"`
}

func (TriggerConfigStep) StepType() StepType     { return StepTypeTrigger }
func (EmailConfig) StepType() StepType           { return StepTypeEmail }
func (ConditionConfig) StepType() StepType       { return StepTypeCondition }
func (BranchConditionConfig) StepType() StepType { return StepTypeBranchCondition }
func (DelayConfig) StepType() StepType           { return StepTypeDelay }
func (TaskCreationConfig) StepType() StepType    { return StepTypeTaskCreation }
func (TagAssignmentConfig) StepType() StepType   { return StepTypeTagAssignment }
func (FieldUpdateConfig) StepType() StepType     { return StepTypeFieldUpdate }
func (WebhookConfig) StepType() StepType         { return StepTypeWebhook }
func (WaitForEventConfig) StepType() StepType    { return StepTypeWaitForEvent }

// DecodeStepConfig decodes a step's raw config into its typed variant and
// the shared options.
func DecodeStepConfig(step *Step) (StepConfig, StepOptions, error) {
	var opts StepOptions
	raw := step.Config
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, opts, NewErrorf(ErrCodeValidation, "step %s has invalid options: %v", step.ID, err).WithStep(step.ID).WithCause(err)
	}

	var cfg StepConfig
	switch step.Type {
	case StepTypeTrigger:
		cfg = &TriggerConfigStep{}
	case StepTypeEmail:
		cfg = &EmailConfig{}
	case StepTypeCondition:
		cfg = &ConditionConfig{}
	case StepTypeBranchCondition:
		cfg = &BranchConditionConfig{}
	case StepTypeDelay:
		cfg = &DelayConfig{}
	case StepTypeTaskCreation:
		cfg = &TaskCreationConfig{}
	case StepTypeTagAssignment:
		cfg = &TagAssignmentConfig{}
	case StepTypeFieldUpdate:
		cfg = &FieldUpdateConfig{}
	case StepTypeWebhook:
		cfg = &WebhookConfig{}
	case StepTypeWaitForEvent:
		cfg = &WaitForEventConfig{}
	default:
		return nil, opts, NewErrorf(ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type).WithStep(step.ID)
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, opts, NewErrorf(ErrCodeValidation, "step %s has invalid %s config: %v", step.ID, step.Type, err).
			WithStep(step.ID).WithCause(err)
	}
	return cfg, opts, nil
}
