package steps

import (
	"context"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

const (
	tasksTable      = "tasks"
	defaultPriority = "MEDIUM"
	taskStatusOpen  = "PENDING"
)

// TaskExecutor inserts a task record linked to the trigger entity.
type TaskExecutor struct {
	records store.RecordStore
	interp  *expressions.Interpolator
	now     func() time.Time
}

func NewTaskExecutor(records store.RecordStore, interp *expressions.Interpolator, now func() time.Time) *TaskExecutor {
	if interp == nil {
		interp = expressions.NewInterpolator(false)
	}
	if now == nil {
		now = time.Now
	}
	return &TaskExecutor{records: records, interp: interp, now: now}
}

func (e *TaskExecutor) Type() schema.StepType { return schema.StepTypeTaskCreation }

func (e *TaskExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.TaskCreationConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeTaskCreation)
	}

	rec, err := loadEntity(ctx, e.records, in.Execution)
	if err != nil {
		return nil, err
	}
	scope := scopeFor(in, recordFields(rec))
	title, err := e.interp.Render(cfg.Title, scope)
	if err != nil {
		return nil, err
	}
	description, err := e.interp.Render(cfg.Description, scope)
	if err != nil {
		return nil, err
	}
	if title == "" {
		return Failed("task title is empty", nil), nil
	}

	priority := cfg.Priority
	if priority == "" {
		priority = defaultPriority
	}
	task := map[string]any{
		"title":       title,
		"description": description,
		"priority":    priority,
		"status":      taskStatusOpen,
		"autoCreated": true,
		"executionId": executionID(in),
	}
	if cfg.AssigneeID != "" {
		task["assigneeId"] = cfg.AssigneeID
	}
	if cfg.DueInDays > 0 {
		task["dueDate"] = e.now().AddDate(0, 0, cfg.DueInDays).UTC().Format(time.RFC3339)
	}
	if in.Workflow != nil {
		task["workflowId"] = in.Workflow.ID
	}
	if ex := in.Execution; ex != nil && ex.TriggerEntityID != "" {
		task["entityType"] = ex.TriggerEntityType
		task["entityId"] = ex.TriggerEntityID
		if link := linkField(ex.TriggerEntityType); link != "" {
			task[link] = ex.TriggerEntityID
		}
	}

	created, err := e.records.Insert(ctx, tasksTable, task)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create task: %s", err.Error()).WithStep(stepID(in)).WithCause(err)
	}

	data := map[string]any{"task_id": created.ID, "title": title}
	if due, ok := task["dueDate"]; ok {
		data["due_date"] = due
	}
	return Succeeded(data), nil
}

// linkField names the foreign-key field a task uses for an entity type.
func linkField(entityType string) string {
	switch table, _ := schema.EntityTable(entityType); table {
	case "leads":
		return "leadId"
	case "contacts":
		return "contactId"
	case "deals":
		return "dealId"
	default:
		return ""
	}
}
