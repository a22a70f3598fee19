package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(exec *schema.Execution, from, to schema.ExecutionStatus) error

// EventAppender is satisfied by the Store; used by the FSM to emit audit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status changes and appends each one to
// the audit log. The caller persists the new status.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is emitted.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is emitted.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Validate returns INVALID_TRANSITION unless from→to is allowed.
func (f *ExecutionFSM) Validate(executionID string, from, to schema.ExecutionStatus) error {
	if isValidTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// Transition validates from→to, runs hooks and appends the audit event.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *schema.Execution, from, to schema.ExecutionStatus, payload map[string]any) error {
	if err := f.Validate(exec.ID, from, to); err != nil {
		return err
	}

	f.mu.Lock()
	key := hookKey{from, to}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(exec, from, to); err != nil {
			return err
		}
	}

	if err := f.Emit(ctx, exec, "", transitionEventType(from, to), payload); err != nil {
		return err
	}

	for _, hook := range after {
		if err := hook(exec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Emit appends an audit event for exec. stepID may be empty.
func (f *ExecutionFSM) Emit(ctx context.Context, exec *schema.Execution, stepID, eventType string, payload map[string]any) error {
	if eventType == "" {
		return nil
	}
	event := &store.Event{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
		Type:        eventType,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		event.Payload = b
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s: %s", eventType, err.Error()).WithCause(err)
	}
	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionWaiting {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionWaiting:
		return schema.EventExecutionWaiting
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidExecutionTransitions defines the allowed status transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionWaiting},
	schema.ExecutionWaiting:   {schema.ExecutionRunning},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}
