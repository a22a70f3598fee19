// Package router turns CRM domain events into PENDING executions and
// matches them against pending WAIT_FOR_EVENT subscriptions. It never runs
// steps.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// EventData identifies the entity an event concerns plus its payload.
type EventData struct {
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Result summarises one routed event. Error is set instead of returning a
// Go error so callers can report partial work.
type Result struct {
	WorkflowsTriggered int      `json:"workflows_triggered"`
	WaitsMatched       int      `json:"waits_matched"`
	ExecutionIDs       []string `json:"execution_ids,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// Router routes events to workflows and waits.
type Router struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Router. m may be nil.
func New(s store.Store, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: s, logger: logger, metrics: m, now: time.Now}
}

// RouteEvent enqueues one execution per eligible workflow whose trigger
// matches eventType and resolves matching pending waits. Duplicate events
// produce duplicate executions.
func (r *Router) RouteEvent(ctx context.Context, eventType string, data EventData) Result {
	trigger, ok := schema.TriggerForEvent(eventType)
	if !ok {
		r.metrics.EventRouted(ctx, "", "unknown")
		r.logger.WarnContext(ctx, "unknown event type", slog.String("event_type", eventType))
		return Result{Error: fmt.Sprintf("unknown event type %q", eventType)}
	}

	var res Result
	var errs []string

	workflows, err := r.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: trigger, EligibleOnly: true})
	if err != nil {
		errs = append(errs, fmt.Sprintf("list workflows: %s", err))
	}
	for _, wf := range workflows {
		exec, err := r.EnqueueWorkflow(ctx, wf, data.EntityType, data.EntityID, string(trigger), data.Payload)
		if err != nil {
			errs = append(errs, fmt.Sprintf("enqueue workflow %s: %s", wf.ID, err))
			continue
		}
		res.WorkflowsTriggered++
		res.ExecutionIDs = append(res.ExecutionIDs, exec.ID)
	}

	matched, err := r.matchWaits(ctx, trigger, data)
	res.WaitsMatched = matched
	if err != nil {
		errs = append(errs, err.Error())
	}

	outcome := "matched"
	switch {
	case len(errs) > 0:
		res.Error = strings.Join(errs, "; ")
		outcome = "error"
	case res.WorkflowsTriggered == 0 && res.WaitsMatched == 0:
		outcome = "unmatched"
	}
	r.metrics.EventRouted(ctx, string(trigger), outcome)
	r.logger.InfoContext(ctx, "event routed",
		slog.String("trigger_type", string(trigger)),
		slog.String("entity_type", data.EntityType),
		slog.String("entity_id", data.EntityID),
		slog.Int("workflows_triggered", res.WorkflowsTriggered),
		slog.Int("waits_matched", res.WaitsMatched),
	)
	return res
}

// EnqueueWorkflow creates a PENDING execution of wf for the given trigger
// entity. Used by RouteEvent, the scheduled sweep and manual re-enqueue.
func (r *Router) EnqueueWorkflow(ctx context.Context, wf *schema.Workflow, entityType, entityID, event string, payload map[string]any) (*schema.Execution, error) {
	now := r.now()
	exec := &schema.Execution{
		ID:                uuid.New().String(),
		WorkflowID:        wf.ID,
		Status:            schema.ExecutionPending,
		TriggerEntityType: entityType,
		TriggerEntityID:   entityID,
		TriggerEvent:      event,
		TriggerData:       payload,
		Attempt:           1,
		Log:               []schema.LogEntry{},
		StartedAt:         now,
		CreatedAt:         now,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]any{
		"trigger_event": event,
		"entity_type":   entityType,
		"entity_id":     entityID,
	})
	if err := r.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		Type:        schema.EventExecutionEnqueued,
		Payload:     body,
	}); err != nil {
		r.logger.WarnContext(ctx, "failed to audit enqueue",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	return exec, nil
}

// matchWaits resolves pending waits for trigger that either name no entity
// or name the event's entity, then makes their executions due now.
func (r *Router) matchWaits(ctx context.Context, trigger schema.TriggerType, data EventData) (int, error) {
	waits, err := r.store.ListWaits(ctx, store.WaitFilter{Status: schema.WaitPending, EventType: string(trigger)})
	if err != nil {
		return 0, fmt.Errorf("list waits: %w", err)
	}

	matched := 0
	for _, w := range waits {
		if !sameEntity(w, data) {
			continue
		}
		ok, err := r.store.ResolveWait(ctx, w.ID, schema.WaitMatched, data.Payload)
		if err != nil {
			return matched, fmt.Errorf("resolve wait %s: %w", w.ID, err)
		}
		if !ok {
			continue // expired or matched concurrently
		}
		matched++

		now := r.now()
		waiting := schema.ExecutionWaiting
		err = r.store.UpdateExecution(ctx, w.ExecutionID, store.ExecutionUpdate{ExpectStatus: &waiting, WakeAt: &now})
		switch {
		case schema.IsCode(err, schema.ErrCodeConflict):
			// Still suspending; the interpreter re-checks the wait once parked.
			r.logger.DebugContext(ctx, "matched wait for execution not yet waiting",
				slog.String("execution_id", w.ExecutionID))
		case err != nil:
			return matched, fmt.Errorf("wake execution %s: %w", w.ExecutionID, err)
		}

		body, _ := json.Marshal(map[string]any{"wait_id": w.ID, "event_type": w.EventType})
		if err := r.store.AppendEvent(ctx, &store.Event{
			ExecutionID: w.ExecutionID,
			StepID:      w.StepID,
			Type:        schema.EventWaitMatched,
			Payload:     body,
		}); err != nil {
			r.logger.WarnContext(ctx, "failed to audit wait match",
				slog.String("wait_id", w.ID), slog.String("error", err.Error()))
		}
	}
	return matched, nil
}

func sameEntity(w *schema.ExecutionWait, data EventData) bool {
	if w.EntityID == "" {
		return true
	}
	if w.EntityID != data.EntityID {
		return false
	}
	return w.EntityType == "" || data.EntityType == "" || schema.SameEntityType(w.EntityType, data.EntityType)
}
