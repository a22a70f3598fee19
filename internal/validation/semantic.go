package validation

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/pkg/schema"
)

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Compile(expression string) error
}

// CronParser parses the five-field cron expressions accepted by SCHEDULED_TIME workflows.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSemantic checks references and typed configs the JSON schemas
// cannot express.
func validateSemantic(wf *schema.Workflow, exprs ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(wf, result)
	validateRetry(wf.Retry, result)

	byID := make(map[string]*schema.Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if _, dup := byID[s.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	unlabeled := make(map[string]int)
	for i := range wf.Steps {
		s := &wf.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if !s.IsRoot() {
			parent, ok := byID[*s.ParentID]
			switch {
			case *s.ParentID == s.ID:
				result.AddError(path+".parent_id", schema.ErrCodeCycleDetected,
					fmt.Sprintf("step %q is its own parent", s.ID))
			case !ok:
				result.AddError(path+".parent_id", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent parent step %q", *s.ParentID))
			case s.Branch != "" && !parent.Type.Branches():
				result.AddWarning(path+".branch", schema.ErrCodeValidation,
					fmt.Sprintf("branch label %q is ignored: parent %q is a %s step", s.Branch, parent.ID, parent.Type))
			case s.Branch == "" && parent.Type.Branches():
				unlabeled[parent.ID]++
			}
		}

		validateStepConfig(s, path, exprs, result)
	}

	for parentID, n := range unlabeled {
		result.AddWarning(fmt.Sprintf("steps[%s]", parentID), schema.ErrCodeValidation,
			fmt.Sprintf("branching step %q has %d unlabeled children; they run on both branches", parentID, n))
	}
	return result
}

func validateTrigger(wf *schema.Workflow, result *schema.ValidationResult) {
	if wf.TriggerType != schema.TriggerScheduledTime {
		return
	}
	tc := wf.TriggerConfig
	if tc == nil || (tc.Cron == "" && tc.Interval == "") {
		result.AddError("trigger_config", schema.ErrCodeValidation,
			"SCHEDULED_TIME workflows require trigger_config.cron or trigger_config.interval")
		return
	}
	if tc.Cron != "" {
		if _, err := CronParser.Parse(tc.Cron); err != nil {
			result.AddError("trigger_config.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", tc.Cron, err))
		}
	}
	if tc.Interval != "" {
		if d, err := time.ParseDuration(tc.Interval); err != nil || d <= 0 {
			result.AddError("trigger_config.interval", schema.ErrCodeValidation,
				fmt.Sprintf("invalid interval %q: must be a positive duration", tc.Interval))
		}
	}
	if tc.EntityType != "" {
		if _, ok := schema.EntityTable(tc.EntityType); !ok {
			result.AddError("trigger_config.entity_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown entity type %q", tc.EntityType))
		}
	}
}

func validateRetry(p *schema.RetryPolicy, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	var delay, maxDelay time.Duration
	var err error
	if p.Delay != "" {
		if delay, err = time.ParseDuration(p.Delay); err != nil {
			result.AddError("retry.delay", schema.ErrCodeValidation, fmt.Sprintf("invalid delay %q", p.Delay))
		}
	}
	if p.MaxDelay != "" {
		if maxDelay, err = time.ParseDuration(p.MaxDelay); err != nil {
			result.AddError("retry.max_delay", schema.ErrCodeValidation, fmt.Sprintf("invalid max_delay %q", p.MaxDelay))
		}
	}
	if delay > 0 && maxDelay > 0 && maxDelay < delay {
		result.AddWarning("retry.max_delay", schema.ErrCodeValidation, "max_delay is shorter than delay; every retry waits max_delay")
	}
}

func validateStepConfig(s *schema.Step, path string, exprs ExpressionChecker, result *schema.ValidationResult) {
	cfg, opts, err := schema.DecodeStepConfig(s)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}
	if opts.Timeout != "" {
		if d, err := time.ParseDuration(opts.Timeout); err != nil || d <= 0 {
			result.AddError(path+".config.timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", opts.Timeout))
		}
	}

	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		validateCondition(*c, path, exprs, result)
	case *schema.BranchConditionConfig:
		validateCondition(c.ConditionConfig, path, exprs, result)
	case *schema.DelayConfig:
		if _, err := c.Wait(); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		}
	case *schema.WebhookConfig:
		if !strings.Contains(c.URL, "${{") {
			u, err := url.Parse(c.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				result.AddError(path+".config.url", schema.ErrCodeValidation,
					fmt.Sprintf("webhook url %q must be an absolute http(s) URL", c.URL))
			}
		}
	case *schema.WaitForEventConfig:
		if _, ok := schema.TriggerForEvent(c.EventType); !ok {
			result.AddError(path+".config.eventType", schema.ErrCodeValidation,
				fmt.Sprintf("unknown event type %q", c.EventType))
		}
		if c.Timeout != "" {
			if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
				result.AddError(path+".config.waitTimeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid waitTimeout %q", c.Timeout))
			}
		}
	}
}

func validateCondition(c schema.ConditionConfig, path string, exprs ExpressionChecker, result *schema.ValidationResult) {
	if c.Expression != "" {
		if exprs != nil {
			if err := exprs.Compile(c.Expression); err != nil {
				result.AddError(path+".config.expression", schema.ErrCodeValidation, err.Error())
			}
		}
		return
	}
	if !conditions.Known(c.Operator) {
		result.AddError(path+".config.operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown operator %q", c.Operator))
	}
}
