package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func strPtr(s string) *string { return &s }

func seedWorkflow(t *testing.T, s *LibSQLStore, trigger schema.TriggerType) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:          uuid.NewString(),
		Name:        "welcome",
		TriggerType: trigger,
		IsActive:    true,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepTypeEmail, Position: 0, Config: json.RawMessage(`{"subject":"Hi"}`)},
			{ID: "s2", Type: schema.StepTypeTaskCreation, Position: 1, ParentID: strPtr("s1")},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s *LibSQLStore, workflowID string) *schema.Execution {
	t.Helper()
	exec := &schema.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        workflowID,
		TriggerEntityType: schema.EntityLead,
		TriggerEntityID:   "lead-1",
		TriggerEvent:      "lead_created",
		TriggerData:       map[string]any{"source": "web"},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

// --- Migration Tests ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only comment\n;\nCREATE TABLE b (y INT);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (y INT)", stmts[1])
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &schema.Workflow{
		ID:            uuid.NewString(),
		Name:          "nightly",
		TriggerType:   schema.TriggerScheduledTime,
		TriggerConfig: &schema.TriggerConfig{Cron: "0 3 * * *"},
		IsActive:      true,
		Retry:         &schema.RetryPolicy{MaxAttempts: 3, Backoff: "exponential", Delay: "1s"},
		Steps: []schema.Step{
			{ID: "b", Type: schema.StepTypeDelay, Position: 1, ParentID: strPtr("a"), Branch: "true"},
			{ID: "a", Type: schema.StepTypeCondition, Position: 0},
		},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, schema.TriggerScheduledTime, got.TriggerType)
	require.NotNil(t, got.TriggerConfig)
	assert.Equal(t, "0 3 * * *", got.TriggerConfig.Cron)
	require.NotNil(t, got.Retry)
	assert.Equal(t, 3, got.Retry.MaxAttempts)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "a", got.Steps[0].ID, "steps ordered by position")
	assert.True(t, got.Steps[0].IsRoot())
	assert.Equal(t, "a", *got.Steps[1].ParentID)
	assert.Equal(t, "true", got.Steps[1].Branch)
}

func TestCreateWorkflow_Duplicate(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)

	err := s.CreateWorkflow(context.Background(), &schema.Workflow{ID: wf.ID, Name: "x", TriggerType: schema.TriggerLeadCreated})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListWorkflows_EligibleByTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedWorkflow(t, s, schema.TriggerLeadCreated)
	paused := seedWorkflow(t, s, schema.TriggerLeadCreated)
	seedWorkflow(t, s, schema.TriggerDealCreated)
	require.NoError(t, s.UpdateWorkflow(ctx, paused.ID, WorkflowUpdate{IsPaused: boolPtr(true)}))

	got, err := s.ListWorkflows(ctx, WorkflowFilter{TriggerType: schema.TriggerLeadCreated, EligibleOnly: true, WithSteps: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
	assert.Len(t, got[0].Steps, 2)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Nil(t, all[0].Steps)
}

func boolPtr(b bool) *bool { return &b }

func TestRecordWorkflowOutcome_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)

	const n, k = 20, 7
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.RecordWorkflowOutcome(ctx, wf.ID, i >= k, time.Now()))
		}(i)
	}
	wg.Wait()

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.ExecutionCount)
	assert.Equal(t, int64(n-k), got.SuccessCount)
	assert.Equal(t, int64(k), got.FailureCount)
	assert.NotNil(t, got.LastExecutedAt)
}

func TestUpdateWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateWorkflow(context.Background(), "missing", WorkflowUpdate{IsActive: boolPtr(false)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Execution Tests ---

func TestCreateAndGetExecution_Defaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "lead-1", got.TriggerEntityID)
	assert.Equal(t, "web", got.TriggerData["source"])
	assert.NotNil(t, got.Log)
	assert.Empty(t, got.Log)
	assert.Nil(t, got.Cursor)
}

func TestClaimExecution_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimExecution(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
}

func TestListExecutions_DueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)

	first := seedExecution(t, s, wf.ID)
	second := seedExecution(t, s, wf.ID)
	later := time.Now().Add(time.Hour)
	deferred := &schema.Execution{ID: uuid.NewString(), WorkflowID: wf.ID, NotBefore: &later}
	require.NoError(t, s.CreateExecution(ctx, deferred))

	pending := schema.ExecutionPending
	now := time.Now()
	got, err := s.ListExecutions(ctx, ExecutionFilter{Status: &pending, DueBy: &now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Status: &pending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateExecution_CursorAndLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	waiting := schema.ExecutionWaiting
	wake := time.Now().Add(time.Minute)
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status: &waiting,
		Log:    []schema.LogEntry{{StepID: "s1", StepType: schema.StepTypeDelay, Timestamp: time.Now()}},
		Cursor: &schema.Cursor{SuspendedStepID: "s1", Queue: []string{"s2"}, Reason: schema.SuspendDelay},
		WakeAt: &wake,
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaiting, got.Status)
	require.Len(t, got.Log, 1)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, []string{"s2"}, got.Cursor.Queue)
	require.NotNil(t, got.WakeAt)
	assert.Equal(t, wake.UnixMilli(), got.WakeAt.UnixMilli())

	woken, err := s.ListExecutions(ctx, ExecutionFilter{Status: &waiting, WakeBy: timePtr(wake.Add(time.Second))})
	require.NoError(t, err)
	assert.Len(t, woken, 1)

	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{ClearCursor: true}))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Cursor)
	assert.Nil(t, got.WakeAt)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestUpdateExecution_ExpectStatusConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	running := schema.ExecutionRunning
	completed := schema.ExecutionCompleted
	err := s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{ExpectStatus: &running, Status: &completed})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &completed})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Wait Tests ---

func TestWaits_ResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	w := &schema.ExecutionWait{
		ID: uuid.NewString(), ExecutionID: exec.ID, StepID: "s1",
		EventType: "email_opened", EntityType: schema.EntityLead, EntityID: "lead-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateWait(ctx, w))

	pending, err := s.ListWaits(ctx, WaitFilter{Status: schema.WaitPending, EventType: "email_opened"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "lead-1", pending[0].EntityID)

	ok, err := s.ResolveWait(ctx, w.ID, schema.WaitMatched, map[string]any{"opened": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResolveWait(ctx, w.ID, schema.WaitExpired, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second resolution must lose")

	all, err := s.ListWaits(ctx, WaitFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, schema.WaitMatched, all[0].Status)
	assert.JSONEq(t, `{"opened":true}`, string(all[0].Payload))
	assert.NotNil(t, all[0].MatchedAt)
}

func TestWaits_ExpiredBy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerLeadCreated)
	exec := seedExecution(t, s, wf.ID)

	require.NoError(t, s.CreateWait(ctx, &schema.ExecutionWait{
		ID: "old", ExecutionID: exec.ID, StepID: "s1", EventType: "x", ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.CreateWait(ctx, &schema.ExecutionWait{
		ID: "fresh", ExecutionID: exec.ID, StepID: "s1", EventType: "x", ExpiresAt: time.Now().Add(time.Hour),
	}))

	now := time.Now()
	got, err := s.ListWaits(ctx, WaitFilter{Status: schema.WaitPending, ExpiredBy: &now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

// --- Outbox Tests ---

func TestOutbox_QueueAndMark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnqueueMessage(ctx, &OutboundMessage{
			ID: uuid.NewString(), To: "a@example.com", Subject: "Hi", Body: "Hello",
		}))
	}
	queued, err := s.ListQueuedMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	sent := time.Now()
	require.NoError(t, s.MarkMessage(ctx, queued[0].ID, MessageUpdate{Status: MessageSent, SentAt: &sent}))
	require.NoError(t, s.MarkMessage(ctx, queued[1].ID, MessageUpdate{Status: MessageFailed, Error: "smtp down"}))

	rest, err := s.ListQueuedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	err = s.MarkMessage(ctx, "missing", MessageUpdate{Status: MessageSent})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Record Tests ---

func TestRecords_InsertFetchFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lead, err := s.Insert(ctx, "leads", map[string]any{"id": "lead-1", "status": "NEW", "score": 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), lead.Version)
	_, err = s.Insert(ctx, "leads", map[string]any{"status": "QUALIFIED"})
	require.NoError(t, err)

	got, err := s.FetchByID(ctx, "leads", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "NEW", got.Data["status"])
	assert.Equal(t, "lead-1", got.Fields()["id"])

	matches, err := s.FetchByFilter(ctx, "leads", RecordFilter{Equals: map[string]any{"score": "5"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "lead-1", matches[0].ID)

	_, err = s.FetchByID(ctx, "contacts", "lead-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = s.FetchByFilter(ctx, "leads", RecordFilter{Equals: map[string]any{"bad field": 1}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRecords_UpdateVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "leads", map[string]any{"id": "l", "tags": []any{"a"}})
	require.NoError(t, err)

	updated, err := s.Update(ctx, "leads", "l", map[string]any{"tags": []any{"a", "b"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.Update(ctx, "leads", "l", map[string]any{"tags": []any{}}, 1)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.FetchByID(ctx, "leads", "l")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got.Data["tags"])
}

func TestRecords_IncrementConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, "leads", map[string]any{"id": "l"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "leads", "l", "score", 2.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.Increment(ctx, "leads", "l", "score", 0)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, v, 0.0001)

	_, err = s.Increment(ctx, "leads", "missing", "score", 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
