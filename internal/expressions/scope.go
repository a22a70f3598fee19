package expressions

import (
	"encoding/json"

	"github.com/rendis/autoflow/pkg/schema"
)

// Scope namespaces available to templates and expressions.
const (
	NSEntity    = "entity"
	NSTrigger   = "trigger"
	NSExecution = "execution"
	NSWorkflow  = "workflow"
	NSSteps     = "steps"
)

// Namespaces lists every scope namespace.
var Namespaces = []string{NSEntity, NSTrigger, NSExecution, NSWorkflow, NSSteps}

// Scope is the frozen data visible to a step: the trigger entity, the trigger
// payload, execution and workflow metadata, and the results of steps already
// logged. Every map is deep-copied at construction so step code cannot
// mutate another step's view.
type Scope struct {
	Entity    map[string]any
	Trigger   map[string]any
	Execution map[string]any
	Workflow  map[string]any
	Steps     map[string]any
}

// NewScope builds a scope for one step invocation. entity may be nil when the
// execution has no trigger entity or it could not be loaded.
func NewScope(wf *schema.Workflow, exec *schema.Execution, entity map[string]any) *Scope {
	sc := &Scope{
		Entity:    deepCopyMap(entity),
		Trigger:   map[string]any{},
		Execution: map[string]any{},
		Workflow:  map[string]any{},
		Steps:     map[string]any{},
	}
	if wf != nil {
		sc.Workflow["id"] = wf.ID
		sc.Workflow["name"] = wf.Name
		sc.Workflow["trigger_type"] = string(wf.TriggerType)
	}
	if exec != nil {
		sc.Trigger = deepCopyMap(exec.TriggerData)
		if sc.Trigger == nil {
			sc.Trigger = map[string]any{}
		}
		sc.Execution["id"] = exec.ID
		sc.Execution["attempt"] = exec.Attempt
		sc.Execution["trigger_event"] = exec.TriggerEvent
		sc.Execution["trigger_entity_type"] = exec.TriggerEntityType
		sc.Execution["trigger_entity_id"] = exec.TriggerEntityID
		for _, entry := range exec.Log {
			if entry.Result != nil {
				sc.Steps[entry.StepID] = deepCopyMap(entry.Result)
			}
		}
	}
	if sc.Entity == nil {
		sc.Entity = map[string]any{}
	}
	return sc
}

// Data returns the scope as an expression environment keyed by namespace.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		NSEntity:    s.Entity,
		NSTrigger:   s.Trigger,
		NSExecution: s.Execution,
		NSWorkflow:  s.Workflow,
		NSSteps:     s.Steps,
	}
}

func (s *Scope) namespace(name string) (map[string]any, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case NSEntity:
		return s.Entity, true
	case NSTrigger:
		return s.Trigger, true
	case NSExecution:
		return s.Execution, true
	case NSWorkflow:
		return s.Workflow, true
	case NSSteps:
		return s.Steps, true
	default:
		return nil, false
	}
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny handles maps, slices and raw JSON; other values are immutable.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
