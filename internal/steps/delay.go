package steps

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// DelayExecutor suspends the walk for the configured duration. A zero delay
// completes immediately.
type DelayExecutor struct {
	now func() time.Time
}

func NewDelayExecutor(now func() time.Time) *DelayExecutor {
	if now == nil {
		now = time.Now
	}
	return &DelayExecutor{now: now}
}

func (e *DelayExecutor) Type() schema.StepType { return schema.StepTypeDelay }

func (e *DelayExecutor) Execute(_ context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.DelayConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeDelay)
	}
	d, err := cfg.Wait()
	if err != nil {
		return nil, err
	}

	data := map[string]any{"delay_ms": d.Milliseconds()}
	if d == 0 {
		return Succeeded(data), nil
	}
	until := e.now().Add(d)
	data["wake_at"] = until.UTC().Format(time.RFC3339)
	out := Succeeded(data)
	out.Suspend = &Suspension{Reason: schema.SuspendDelay, Until: until}
	return out, nil
}
