package steps

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultWaitTimeout bounds a WAIT_FOR_EVENT step without waitTimeout.
const DefaultWaitTimeout = 72 * time.Hour

// WaitExecutor registers a pending wait for a named event and suspends the
// execution until the router matches it or it expires.
type WaitExecutor struct {
	waits WaitCreator
	now   func() time.Time
}

func NewWaitExecutor(waits WaitCreator, now func() time.Time) *WaitExecutor {
	if now == nil {
		now = time.Now
	}
	return &WaitExecutor{waits: waits, now: now}
}

func (e *WaitExecutor) Type() schema.StepType { return schema.StepTypeWaitForEvent }

func (e *WaitExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.WaitForEventConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeWaitForEvent)
	}
	if in.Execution == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait step requires an execution").WithStep(stepID(in))
	}
	trigger, ok := schema.TriggerForEvent(cfg.EventType)
	if !ok {
		return Failed("unknown event type "+cfg.EventType, nil), nil
	}

	timeout := DefaultWaitTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid waitTimeout %q", cfg.Timeout).WithStep(stepID(in))
		}
		timeout = d
	}

	now := e.now()
	wait := &schema.ExecutionWait{
		ID:          uuid.New().String(),
		ExecutionID: in.Execution.ID,
		StepID:      stepID(in),
		EventType:   string(trigger),
		EntityType:  in.Execution.TriggerEntityType,
		EntityID:    in.Execution.TriggerEntityID,
		ExpiresAt:   now.Add(timeout),
		Status:      schema.WaitPending,
		CreatedAt:   now,
	}
	if err := e.waits.CreateWait(ctx, wait); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create wait: %s", err.Error()).WithStep(stepID(in)).WithCause(err)
	}

	out := Succeeded(map[string]any{
		"wait_id":    wait.ID,
		"event_type": wait.EventType,
		"expires_at": wait.ExpiresAt.UTC().Format(time.RFC3339),
	})
	out.Suspend = &Suspension{Reason: schema.SuspendWaitForEvent, Until: wait.ExpiresAt, WaitID: wait.ID}
	return out, nil
}
