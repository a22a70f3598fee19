package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Transition is one status change reconstructed from the audit log.
type Transition struct {
	Event    string                 `json:"event"`
	Status   schema.ExecutionStatus `json:"status"`
	At       time.Time              `json:"at"`
	Sequence int64                  `json:"sequence"`
}

// StepTrace summarises the audit events recorded for one step.
type StepTrace struct {
	StepID   string          `json:"step_id"`
	Runs     int             `json:"runs"`
	Failures int             `json:"failures"`
	Last     json.RawMessage `json:"last,omitempty"`
	LastAt   time.Time       `json:"last_at"`
}

// Timeline is the replayed audit history of an execution.
type Timeline struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
	Transitions []Transition           `json:"transitions"`
	Steps       map[string]*StepTrace  `json:"steps"`
}

var eventStatus = map[string]schema.ExecutionStatus{
	schema.EventExecutionEnqueued:  schema.ExecutionPending,
	schema.EventExecutionStarted:   schema.ExecutionRunning,
	schema.EventExecutionResumed:   schema.ExecutionRunning,
	schema.EventExecutionWaiting:   schema.ExecutionWaiting,
	schema.EventExecutionCompleted: schema.ExecutionCompleted,
	schema.EventExecutionFailed:    schema.ExecutionFailed,
}

// ReplayEvents rebuilds the timeline of an execution from its audit events.
// Returns an error if sequence gaps are detected.
func ReplayEvents(ctx context.Context, s Store, executionID string) (*Timeline, error) {
	events, err := s.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{ExecutionID: executionID, Transitions: []Transition{}, Steps: map[string]*StepTrace{}}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}

		if st, ok := eventStatus[e.Type]; ok {
			tl.Status = st
			tl.Transitions = append(tl.Transitions, Transition{Event: e.Type, Status: st, At: e.Timestamp, Sequence: e.Sequence})
			continue
		}
		if e.StepID == "" {
			continue
		}
		tr, ok := tl.Steps[e.StepID]
		if !ok {
			tr = &StepTrace{StepID: e.StepID}
			tl.Steps[e.StepID] = tr
		}
		switch e.Type {
		case schema.EventStepCompleted:
			tr.Runs++
		case schema.EventStepFailed:
			tr.Runs++
			tr.Failures++
		}
		tr.Last = e.Payload
		tr.LastAt = e.Timestamp
	}
	return tl, nil
}
