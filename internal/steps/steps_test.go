package steps

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/storetest"
	"github.com/rendis/autoflow/pkg/schema"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type fakeSender struct {
	mu   sync.Mutex
	sent []delivery.Message
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, msg delivery.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-" + msg.To, nil
}

func execFor(entityType, entityID string) *schema.Execution {
	return &schema.Execution{
		ID:                "exec-1",
		WorkflowID:        "wf-1",
		Status:            schema.ExecutionRunning,
		TriggerEntityType: entityType,
		TriggerEntityID:   entityID,
		TriggerEvent:      "LEAD_CREATED",
		TriggerData:       map[string]any{"source": "web"},
		Attempt:           1,
	}
}

func inputFor(t *testing.T, typ schema.StepType, cfg string, exec *schema.Execution) Input {
	t.Helper()
	step := &schema.Step{ID: "s1", Name: "step", Type: typ, Config: json.RawMessage(cfg)}
	decoded, opts, err := schema.DecodeStepConfig(step)
	require.NoError(t, err)
	return Input{
		Step:      step,
		Config:    decoded,
		Options:   opts,
		Execution: exec,
		Workflow:  &schema.Workflow{ID: "wf-1", Name: "Onboarding", TriggerType: schema.TriggerLeadCreated},
	}
}

func celEngine(t *testing.T) *expressions.CELEngine {
	t.Helper()
	e, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return e
}

// --- Registry ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTriggerExecutor()))

	e, err := r.Get(schema.StepTypeTrigger)
	require.NoError(t, err)
	assert.Equal(t, schema.StepTypeTrigger, e.Type())

	err = r.Register(NewTriggerExecutor())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = r.Get(schema.StepTypeEmail)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoExecutor))

	assert.Error(t, r.Register(nil))
}

func TestNewDefaultRegistry_CoversEveryStepType(t *testing.T) {
	s := storetest.New(t)
	r, err := NewDefaultRegistry(Deps{Records: s, Waits: s, Sender: &fakeSender{}})
	require.NoError(t, err)
	for _, typ := range schema.AllStepTypes {
		_, err := r.Get(typ)
		assert.NoError(t, err, typ)
	}
	assert.Len(t, r.Types(), len(schema.AllStepTypes))
}

// --- TRIGGER ---

func TestTrigger_Acknowledges(t *testing.T) {
	out, err := NewTriggerExecutor().Execute(context.Background(),
		inputFor(t, schema.StepTypeTrigger, `{}`, execFor("lead", "l1")))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, true, out.Data["acknowledged"])
	assert.Equal(t, "LEAD_CREATED", out.Data["trigger_event"])
}

// --- EMAIL ---

func TestEmail_LeadRecipientAndTemplates(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{
		"email": "ada@example.com", "firstName": "Ada", "lastName": "Lovelace",
	})
	sender := &fakeSender{}
	e := NewEmailExecutor(s, sender, nil, "crm@example.com")

	out, err := e.Execute(context.Background(), inputFor(t, schema.StepTypeEmail,
		`{"subject":"Hi ${{ entity.firstName }}","body":"From ${{ trigger.source }} via ${{ workflow.name }}"}`,
		execFor("lead", id)))
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "Ada Lovelace", msg.ToName)
	assert.Equal(t, "crm@example.com", msg.From)
	assert.Equal(t, "Hi Ada", msg.Subject)
	assert.Equal(t, "From web via Onboarding", msg.Body)
	assert.Equal(t, "exec-1", msg.ExecutionID)
	assert.Equal(t, "msg-ada@example.com", out.Data["message_id"])
}

func TestEmail_DealUsesLinkedContact(t *testing.T) {
	s := storetest.New(t)
	dealID := storetest.SeedRecord(t, s, "deals", map[string]any{"name": "Big deal"})
	storetest.SeedRecord(t, s, "contacts", map[string]any{"email": "buyer@example.com", "name": "Buyer", "dealId": dealID})
	storetest.SeedRecord(t, s, "contacts", map[string]any{"email": "other@example.com", "dealId": "another"})
	sender := &fakeSender{}

	out, err := NewEmailExecutor(s, sender, nil, "").Execute(context.Background(),
		inputFor(t, schema.StepTypeEmail, `{"subject":"Deal ${{ entity.name }}","body":"b"}`, execFor("deal", dealID)))
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "buyer@example.com", sender.sent[0].To)
	assert.Equal(t, "Buyer", sender.sent[0].ToName)
	assert.Equal(t, "Deal Big deal", sender.sent[0].Subject)
}

func TestEmail_NoRecipient(t *testing.T) {
	s := storetest.New(t)
	noEmail := storetest.SeedRecord(t, s, "contacts", map[string]any{"name": "Nobody"})
	dealID := storetest.SeedRecord(t, s, "deals", map[string]any{"name": "Orphan"})
	sender := &fakeSender{}
	e := NewEmailExecutor(s, sender, nil, "")

	for name, exec := range map[string]*schema.Execution{
		"missing email":   execFor("contact", noEmail),
		"missing entity":  execFor("lead", "ghost"),
		"no entity":       execFor("", ""),
		"deal no contact": execFor("deal", dealID),
	} {
		t.Run(name, func(t *testing.T) {
			out, err := e.Execute(context.Background(), inputFor(t, schema.StepTypeEmail, `{"subject":"s","body":"b"}`, exec))
			require.NoError(t, err)
			assert.False(t, out.Success)
			assert.Equal(t, ReasonNoRecipient, out.Error)
		})
	}
	assert.Empty(t, sender.sent)
}

func TestEmail_RejectedAddressIsStepFailure(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"email": "nope"})
	sender := &fakeSender{err: schema.NewError(schema.ErrCodeValidation, `invalid recipient "nope"`)}

	out, err := NewEmailExecutor(s, sender, nil, "").Execute(context.Background(),
		inputFor(t, schema.StepTypeEmail, `{"subject":"s","body":"b"}`, execFor("lead", id)))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "invalid recipient")
}

// --- CONDITION / BRANCH_CONDITION ---

func TestCondition_EvaluatesEntityField(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"score": 80})
	e := NewConditionExecutor(s, celEngine(t))

	out, err := e.Execute(context.Background(), inputFor(t, schema.StepTypeCondition,
		`{"field":"score","operator":"GREATER_THAN","value":50}`, execFor("lead", id)))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, schema.BranchTrue, out.Branch)
	assert.Equal(t, true, out.Data["condition_met"])

	out, err = e.Execute(context.Background(), inputFor(t, schema.StepTypeCondition,
		`{"field":"score","operator":"LESS_THAN","value":50}`, execFor("lead", id)))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchFalse, out.Branch)
}

func TestCondition_MissingEntityIsFalse(t *testing.T) {
	s := storetest.New(t)
	out, err := NewConditionExecutor(s, nil).Execute(context.Background(), inputFor(t, schema.StepTypeCondition,
		`{"field":"score","operator":"IS_NOT_EMPTY"}`, execFor("lead", "ghost")))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, schema.BranchFalse, out.Branch)
	assert.Equal(t, false, out.Data["entity_found"])
}

func TestBranchCondition_CELExpression(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "deals", map[string]any{"amount": 12000, "stage": "negotiation"})
	e := NewBranchConditionExecutor(s, celEngine(t))
	assert.Equal(t, schema.StepTypeBranchCondition, e.Type())

	out, err := e.Execute(context.Background(), inputFor(t, schema.StepTypeBranchCondition,
		`{"expression":"entity.amount > 10000.0 && trigger.source == 'web'"}`, execFor("deal", id)))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, schema.BranchTrue, out.Branch)
}

func TestBranchCondition_CELErrorIsStepFailure(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"score": 1})
	out, err := NewBranchConditionExecutor(s, celEngine(t)).Execute(context.Background(),
		inputFor(t, schema.StepTypeBranchCondition, `{"expression":"entity.score"}`, execFor("lead", id)))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Empty(t, out.Branch)
}

// --- DELAY ---

func TestDelay_ZeroCompletesImmediately(t *testing.T) {
	out, err := NewDelayExecutor(clock).Execute(context.Background(),
		inputFor(t, schema.StepTypeDelay, `{"delay":0,"unit":"hours"}`, execFor("", "")))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Nil(t, out.Suspend)
	assert.Equal(t, int64(0), out.Data["delay_ms"])
}

func TestDelay_PositiveSuspends(t *testing.T) {
	out, err := NewDelayExecutor(clock).Execute(context.Background(),
		inputFor(t, schema.StepTypeDelay, `{"delay":2,"unit":"days"}`, execFor("", "")))
	require.NoError(t, err)
	require.NotNil(t, out.Suspend)
	assert.Equal(t, schema.SuspendDelay, out.Suspend.Reason)
	assert.Equal(t, fixedNow.Add(48*time.Hour), out.Suspend.Until)
}

// --- TASK_CREATION ---

func TestTask_CreatesLinkedTask(t *testing.T) {
	s := storetest.New(t)
	leadID := storetest.SeedRecord(t, s, "leads", map[string]any{"firstName": "Ada"})

	out, err := NewTaskExecutor(s, nil, clock).Execute(context.Background(), inputFor(t, schema.StepTypeTaskCreation,
		`{"title":"Call ${{ entity.firstName }}","description":"auto","assigneeId":"u-7","dueInDays":3}`,
		execFor("lead", leadID)))
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)

	task, err := s.FetchByID(context.Background(), "tasks", out.Data["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Call Ada", task.Data["title"])
	assert.Equal(t, "u-7", task.Data["assigneeId"])
	assert.Equal(t, true, task.Data["autoCreated"])
	assert.Equal(t, "exec-1", task.Data["executionId"])
	assert.Equal(t, leadID, task.Data["leadId"])
	assert.Equal(t, "lead", task.Data["entityType"])
	assert.Equal(t, "MEDIUM", task.Data["priority"])
	assert.Equal(t, "2026-03-05T09:00:00Z", task.Data["dueDate"])
}

func TestTask_EmptyTitleFails(t *testing.T) {
	s := storetest.New(t)
	out, err := NewTaskExecutor(s, nil, clock).Execute(context.Background(),
		inputFor(t, schema.StepTypeTaskCreation, `{"title":"${{ entity.missing }}"}`, execFor("", "")))
	require.NoError(t, err)
	assert.False(t, out.Success)
}

// --- TAG_ASSIGNMENT ---

func TestTags_AddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"name": "x"})
	e := NewTagExecutor(s)
	in := inputFor(t, schema.StepTypeTagAssignment, `{"tagsToAdd":["vip"]}`, execFor("lead", id))

	out, err := e.Execute(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["changed"])

	out, err = e.Execute(ctx, in)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, false, out.Data["changed"])

	rec, err := s.FetchByID(ctx, "leads", id)
	require.NoError(t, err)
	assert.Equal(t, []any{"vip"}, rec.Data["tags"])
	assert.Equal(t, int64(2), rec.Version, "the no-op second run does not write")
}

func TestTags_AddRemovePreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "contacts", map[string]any{"tags": "gold, vip ,cold"})

	out, err := NewTagExecutor(s).Execute(ctx, inputFor(t, schema.StepTypeTagAssignment,
		`{"tagsToAdd":["hot","vip"],"tagsToRemove":["cold","absent"]}`, execFor("contact", id)))
	require.NoError(t, err)
	assert.Equal(t, []string{"gold", "vip", "hot"}, out.Data["tags"])
	assert.Equal(t, []string{"hot"}, out.Data["added"])
	assert.Equal(t, []string{"cold"}, out.Data["removed"])

	rec, err := s.FetchByID(ctx, "contacts", id)
	require.NoError(t, err)
	assert.Equal(t, []any{"gold", "vip", "hot"}, rec.Data["tags"])
}

func TestTags_MissingEntity(t *testing.T) {
	s := storetest.New(t)
	out, err := NewTagExecutor(s).Execute(context.Background(),
		inputFor(t, schema.StepTypeTagAssignment, `{"tagsToAdd":["vip"]}`, execFor("lead", "ghost")))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonNoEntity, out.Error)
}

// conflictOnce wraps a record store and makes the first Update lose a race.
type conflictOnce struct {
	store.RecordStore
	mu      sync.Mutex
	tripped bool
}

func (c *conflictOnce) Update(ctx context.Context, table, id string, fields map[string]any, v int64) (*store.Record, error) {
	c.mu.Lock()
	if !c.tripped {
		c.tripped = true
		c.mu.Unlock()
		if _, err := c.RecordStore.Update(ctx, table, id, map[string]any{"tags": []string{"other"}}, 0); err != nil {
			return nil, err
		}
		return c.RecordStore.Update(ctx, table, id, fields, v)
	}
	c.mu.Unlock()
	return c.RecordStore.Update(ctx, table, id, fields, v)
}

func TestTags_RetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{})

	out, err := NewTagExecutor(&conflictOnce{RecordStore: s}).Execute(ctx,
		inputFor(t, schema.StepTypeTagAssignment, `{"tagsToAdd":["vip"]}`, execFor("lead", id)))
	require.NoError(t, err)
	require.True(t, out.Success)

	rec, err := s.FetchByID(ctx, "leads", id)
	require.NoError(t, err)
	assert.Equal(t, []any{"other", "vip"}, rec.Data["tags"], "the concurrent write is preserved")
}

func TestApplyTags(t *testing.T) {
	next, added, removed := applyTags([]string{"a", "a", "b"}, []string{"c", "b", " "}, []string{"a", "c"})
	assert.Equal(t, []string{"b"}, next)
	assert.Empty(t, added)
	assert.Equal(t, []string{"a"}, removed)
}

// --- FIELD_UPDATE ---

func TestFieldUpdate_UpdatesComputedIncrements(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"score": 10, "status": "NEW", "visits": 1})

	out, err := NewFieldUpdateExecutor(s, nil, nil).Execute(ctx, inputFor(t, schema.StepTypeFieldUpdate, `{
		"updates": {"status": "QUALIFIED", "source": "${{ trigger.source }}"},
		"computed": {"score": "entity.score * 2"},
		"increments": {"visits": 1, "touches": 2.5}
	}`, execFor("lead", id)))
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, []string{"score", "source", "status"}, out.Data["updated"])

	rec, err := s.FetchByID(ctx, "leads", id)
	require.NoError(t, err)
	assert.Equal(t, "QUALIFIED", rec.Data["status"])
	assert.Equal(t, "web", rec.Data["source"])
	assert.EqualValues(t, 20, rec.Data["score"])
	assert.EqualValues(t, 2, rec.Data["visits"])
	assert.EqualValues(t, 2.5, rec.Data["touches"])
}

func TestFieldUpdate_ComputedErrorFails(t *testing.T) {
	s := storetest.New(t)
	id := storetest.SeedRecord(t, s, "leads", map[string]any{"score": 10})
	out, err := NewFieldUpdateExecutor(s, nil, nil).Execute(context.Background(), inputFor(t, schema.StepTypeFieldUpdate,
		`{"computed": {"score": "entity.score +"}}`, execFor("lead", id)))
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestFieldUpdate_MissingEntity(t *testing.T) {
	s := storetest.New(t)
	out, err := NewFieldUpdateExecutor(s, nil, nil).Execute(context.Background(), inputFor(t, schema.StepTypeFieldUpdate,
		`{"updates": {"a": 1}}`, execFor("", "")))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonNoEntity, out.Error)
}

// --- WAIT_FOR_EVENT ---

func TestWait_CreatesPendingWaitAndSuspends(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	exec := execFor("lead", "l1")

	out, err := NewWaitExecutor(s, clock).Execute(ctx,
		inputFor(t, schema.StepTypeWaitForEvent, `{"eventType":"email.opened"}`, exec))
	require.NoError(t, err)
	require.NotNil(t, out.Suspend)
	assert.Equal(t, schema.SuspendWaitForEvent, out.Suspend.Reason)
	assert.Equal(t, fixedNow.Add(DefaultWaitTimeout), out.Suspend.Until)

	waits, err := s.ListWaits(ctx, store.WaitFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, out.Suspend.WaitID, waits[0].ID)
	assert.Equal(t, string(schema.TriggerEmailOpened), waits[0].EventType)
	assert.Equal(t, "l1", waits[0].EntityID)
	assert.Equal(t, schema.WaitPending, waits[0].Status)
}

func TestWait_CustomTimeoutAndUnknownEvent(t *testing.T) {
	s := storetest.New(t)
	e := NewWaitExecutor(s, clock)

	out, err := e.Execute(context.Background(),
		inputFor(t, schema.StepTypeWaitForEvent, `{"eventType":"FORM_SUBMITTED","waitTimeout":"2h"}`, execFor("", "")))
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(2*time.Hour), out.Suspend.Until)

	out, err = e.Execute(context.Background(),
		inputFor(t, schema.StepTypeWaitForEvent, `{"eventType":"invoice.paid"}`, execFor("", "")))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Nil(t, out.Suspend)
}
