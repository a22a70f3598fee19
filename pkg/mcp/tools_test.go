package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/router"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/storetest"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- Mock router ---

type mockRouter struct {
	routed []router.EventData
	result router.Result
}

func (m *mockRouter) RouteEvent(_ context.Context, _ string, data router.EventData) router.Result {
	m.routed = append(m.routed, data)
	return m.result
}

func (m *mockRouter) EnqueueWorkflow(context.Context, *schema.Workflow, string, string, string, map[string]any) (*schema.Execution, error) {
	return nil, schema.NewError(schema.ErrCodeStore, "disk full")
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s := storetest.New(t)
	r := router.New(s, logging.Discard(), nil)
	return NewServer(ServerDeps{Router: r, Store: s, Logger: logging.Discard()}), s
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- route_event ---

func TestRouteEventTool(t *testing.T) {
	srv, s := newTestServer(t)
	storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "welcome", TriggerType: schema.TriggerContactCreated, IsActive: true,
	})

	result, err := srv.handleRouteEvent(context.Background(), buildRequest("autoflow.route_event", map[string]any{
		"event_type":  "contact.created",
		"entity_type": "contact",
		"entity_id":   "c-1",
		"payload":     map[string]any{"email": "ada@example.com"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var res router.Result
	unmarshalResult(t, result, &res)
	assert.Equal(t, 1, res.WorkflowsTriggered)
	require.Len(t, res.ExecutionIDs, 1)

	exec, err := s.GetExecution(context.Background(), res.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, exec.Status)
	assert.Equal(t, "c-1", exec.TriggerEntityID)
	assert.Equal(t, "ada@example.com", exec.TriggerData["email"])
}

func TestRouteEventToolUnknownEvent(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRouteEvent(context.Background(), buildRequest("autoflow.route_event", map[string]any{
		"event_type": "invoice.paid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var res router.Result
	unmarshalResult(t, result, &res)
	assert.Contains(t, res.Error, "unknown event type")
}

func TestRouteEventToolMissingType(t *testing.T) {
	mr := &mockRouter{}
	srv := NewServer(ServerDeps{Router: mr, Logger: logging.Discard()})

	result, err := srv.handleRouteEvent(context.Background(), buildRequest("autoflow.route_event", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, mr.routed)
}

func TestRouteEventToolPassesEntity(t *testing.T) {
	mr := &mockRouter{result: router.Result{WaitsMatched: 1}}
	srv := NewServer(ServerDeps{Router: mr, Logger: logging.Discard()})

	result, err := srv.handleRouteEvent(context.Background(), buildRequest("autoflow.route_event", map[string]any{
		"event_type":  "deal.created",
		"entity_type": "deal",
		"entity_id":   "d-9",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, mr.routed, 1)
	assert.Equal(t, "deal", mr.routed[0].EntityType)
	assert.Equal(t, "d-9", mr.routed[0].EntityID)
}

// --- execution_status ---

func TestExecutionStatusTool(t *testing.T) {
	srv, s := newTestServer(t)
	wf := storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "welcome", TriggerType: schema.TriggerContactCreated, IsActive: true,
	})
	r := router.New(s, logging.Discard(), nil)
	exec, err := r.EnqueueWorkflow(context.Background(), wf, "contact", "c-1", "CONTACT_CREATED", nil)
	require.NoError(t, err)

	result, err := srv.handleExecutionStatus(context.Background(), buildRequest("autoflow.execution_status", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp statusResponse
	unmarshalResult(t, result, &resp)
	require.NotNil(t, resp.Execution)
	assert.Equal(t, exec.ID, resp.Execution.ID)
	require.NotNil(t, resp.Timeline)
	assert.Equal(t, schema.ExecutionPending, resp.Timeline.Status)
	require.Len(t, resp.Timeline.Transitions, 1)
	assert.Equal(t, schema.EventExecutionEnqueued, resp.Timeline.Transitions[0].Event)
	assert.Empty(t, resp.TimelineError)
}

func TestExecutionStatusToolMissingID(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleExecutionStatus(context.Background(), buildRequest("autoflow.execution_status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecutionStatusToolNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleExecutionStatus(context.Background(), buildRequest("autoflow.execution_status", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "get execution")
}

// --- list_executions ---

func TestListExecutionsTool(t *testing.T) {
	srv, s := newTestServer(t)
	a := storetest.SeedWorkflow(t, s, &schema.Workflow{ID: "wf-a", Name: "a", TriggerType: schema.TriggerLeadCreated, IsActive: true})
	b := storetest.SeedWorkflow(t, s, &schema.Workflow{ID: "wf-b", Name: "b", TriggerType: schema.TriggerLeadCreated, IsActive: true})
	r := router.New(s, logging.Discard(), nil)
	for _, wf := range []*schema.Workflow{a, a, b} {
		_, err := r.EnqueueWorkflow(context.Background(), wf, "lead", "l-1", "LEAD_CREATED", nil)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		args  map[string]any
		count int
	}{
		{"all", map[string]any{}, 3},
		{"by workflow", map[string]any{"workflow_id": "wf-a"}, 2},
		{"by status", map[string]any{"status": "PENDING"}, 3},
		{"no match", map[string]any{"status": "COMPLETED"}, 0},
		{"limit", map[string]any{"limit": float64(1)}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := srv.handleListExecutions(context.Background(), buildRequest("autoflow.list_executions", tc.args))
			require.NoError(t, err)
			require.False(t, result.IsError)

			var resp struct {
				Executions []*schema.Execution `json:"executions"`
				Count      int                 `json:"count"`
			}
			unmarshalResult(t, result, &resp)
			assert.Equal(t, tc.count, resp.Count)
			assert.Len(t, resp.Executions, tc.count)
		})
	}
}

func TestListExecutionsToolUnknownStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleListExecutions(context.Background(), buildRequest("autoflow.list_executions", map[string]any{
		"status": "PAUSED",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, defaultListLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, maxListLimit, clampLimit(10_000))
}

// --- enqueue ---

func TestEnqueueTool(t *testing.T) {
	srv, s := newTestServer(t)
	storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "nurture", TriggerType: schema.TriggerLeadCreated, IsActive: true,
	})

	result, err := srv.handleEnqueue(context.Background(), buildRequest("autoflow.enqueue", map[string]any{
		"workflow_id": "wf-1",
		"entity_type": "lead",
		"entity_id":   "l-3",
		"payload":     map[string]any{"reason": "replay"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp map[string]any
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "wf-1", resp["workflow_id"])
	assert.Equal(t, string(schema.ExecutionPending), resp["status"])

	exec, err := s.GetExecution(context.Background(), resp["execution_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "l-3", exec.TriggerEntityID)
	assert.Equal(t, string(schema.TriggerLeadCreated), exec.TriggerEvent)
	assert.Equal(t, "replay", exec.TriggerData["reason"])
}

func TestEnqueueToolRejectsPaused(t *testing.T) {
	srv, s := newTestServer(t)
	storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "nurture", TriggerType: schema.TriggerLeadCreated, IsActive: true, IsPaused: true,
	})

	result, err := srv.handleEnqueue(context.Background(), buildRequest("autoflow.enqueue", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "inactive or paused")
}

func TestEnqueueToolErrors(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "nurture", TriggerType: schema.TriggerLeadCreated, IsActive: true,
	})
	srv := NewServer(ServerDeps{Router: &mockRouter{}, Store: s, Logger: logging.Discard()})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{}, "workflow_id is required"},
		{"unknown workflow", map[string]any{"workflow_id": "ghost"}, "get workflow"},
		{"router failure", map[string]any{"workflow_id": "wf-1"}, "disk full"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := srv.handleEnqueue(context.Background(), buildRequest("autoflow.enqueue", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

// --- workflow_diagram ---

func TestDiagramTool(t *testing.T) {
	srv, s := newTestServer(t)
	parent := "t"
	wf := storetest.SeedWorkflow(t, s, &schema.Workflow{
		ID: "wf-1", Name: "tagger", TriggerType: schema.TriggerTagAdded, IsActive: true,
		Steps: []schema.Step{
			{ID: "t", Type: schema.StepTypeTrigger, Position: 0},
			{ID: "tag", Type: schema.StepTypeTagAssignment, Position: 1, ParentID: &parent,
				Config: json.RawMessage(`{"tagsToAdd":["vip"]}`)},
		},
	})
	r := router.New(s, logging.Discard(), nil)
	exec, err := r.EnqueueWorkflow(context.Background(), wf, "contact", "c-1", "TAG_ADDED", nil)
	require.NoError(t, err)

	result, err := srv.handleDiagram(context.Background(), buildRequest("autoflow.workflow_diagram", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	out := extractText(t, result)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "t --> tag")

	result, err = srv.handleDiagram(context.Background(), buildRequest("autoflow.workflow_diagram", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "workflow resolved from the execution")
}

func TestDiagramToolErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no ids", map[string]any{}, "workflow_id or execution_id is required"},
		{"unknown workflow", map[string]any{"workflow_id": "ghost"}, "get workflow"},
		{"unknown execution", map[string]any{"execution_id": "ghost"}, "get execution"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := srv.handleDiagram(context.Background(), buildRequest("autoflow.workflow_diagram", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}
