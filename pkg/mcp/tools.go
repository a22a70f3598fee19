package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/router"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleRouteEvent hands an event to the router. A router error is reported
// as an error result that still carries the partial counts.
func (s *Server) handleRouteEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}

	res := s.router.RouteEvent(ctx, eventType, router.EventData{
		EntityType: req.GetString("entity_type", ""),
		EntityID:   req.GetString("entity_id", ""),
		Payload:    mcp.ParseStringMap(req, "payload", nil),
	})

	out, err := marshalResult(res)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		out.IsError = true
	}
	return out, nil
}

// handleDiagram renders a workflow, optionally overlaid with one execution.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("workflow_id or execution_id is required"), nil
	}

	var exec *schema.Execution
	if executionID != "" {
		var err error
		exec, err = s.store.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get execution: %v", err)), nil
		}
		if workflowID == "" {
			workflowID = exec.WorkflowID
		}
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get workflow: %v", err)), nil
	}
	model, err := diagram.Build(wf, exec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// statusResponse is the payload of autoflow.execution_status.
type statusResponse struct {
	Execution     *schema.Execution `json:"execution"`
	Timeline      *store.Timeline   `json:"timeline,omitempty"`
	TimelineError string            `json:"timeline_error,omitempty"`
}

// handleExecutionStatus returns the execution row plus its audit timeline.
func (s *Server) handleExecutionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get execution: %v", err)), nil
	}

	resp := statusResponse{Execution: exec}
	tl, err := store.ReplayEvents(ctx, s.store, id)
	if err != nil {
		// The row is authoritative; a broken audit trail should not hide it.
		resp.TimelineError = err.Error()
	} else {
		resp.Timeline = tl
	}
	return marshalResult(resp)
}

func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      clampLimit(cast.ToInt(req.GetArguments()["limit"])),
	}
	if v := req.GetString("status", ""); v != "" {
		st := schema.ExecutionStatus(v)
		if _, ok := validStatuses[st]; !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", v)), nil
		}
		filter.Status = &st
	}

	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions: %v", err)), nil
	}
	if execs == nil {
		execs = []*schema.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs, "count": len(execs)})
}

// handleEnqueue starts a workflow by hand. Paused or inactive workflows are
// refused the same way the router skips them.
func (s *Server) handleEnqueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get workflow: %v", err)), nil
	}
	if !wf.Eligible() {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s is inactive or paused", wf.ID)), nil
	}

	exec, err := s.router.EnqueueWorkflow(ctx, wf,
		req.GetString("entity_type", ""),
		req.GetString("entity_id", ""),
		string(wf.TriggerType),
		mcp.ParseStringMap(req, "payload", nil),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue: %v", err)), nil
	}

	s.logger.InfoContext(ctx, "execution enqueued manually",
		"execution_id", exec.ID, "workflow_id", wf.ID)
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  wf.ID,
		"status":       exec.Status,
	})
}

var validStatuses = map[schema.ExecutionStatus]struct{}{
	schema.ExecutionPending:   {},
	schema.ExecutionRunning:   {},
	schema.ExecutionWaiting:   {},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
