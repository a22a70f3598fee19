package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Event is an immutable entry in the execution audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Record is one CRM row held by the record store.
type Record struct {
	Table     string         `json:"table"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Fields returns the record data with its id merged in.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.Data)+1)
	for k, v := range r.Data {
		out[k] = v
	}
	out["id"] = r.ID
	return out
}

// OutboundMessage is a queued email held by the delivery outbox.
type OutboundMessage struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	To          string        `json:"to"`
	ToName      string        `json:"to_name,omitempty"`
	From        string        `json:"from,omitempty"`
	Subject     string        `json:"subject"`
	Body        string        `json:"body"`
	Status      MessageStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
}

// MessageStatus is the outbox lifecycle state.
type MessageStatus string

const (
	MessageQueued MessageStatus = "queued"
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TriggerType  schema.TriggerType `json:"trigger_type,omitempty"`
	EligibleOnly bool               `json:"eligible_only,omitempty"`
	WithSteps    bool               `json:"with_steps,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	IsActive        *bool      `json:"is_active,omitempty"`
	IsPaused        *bool      `json:"is_paused,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	// DueBy restricts to executions whose not_before is unset or not after DueBy.
	DueBy *time.Time `json:"due_by,omitempty"`
	// WakeBy restricts to executions whose wake_at is set and not after WakeBy.
	WakeBy *time.Time `json:"wake_by,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. When
// ExpectStatus is set the write only applies to a row in that status.
type ExecutionUpdate struct {
	ExpectStatus    *schema.ExecutionStatus `json:"expect_status,omitempty"`
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	Log             []schema.LogEntry       `json:"execution_log,omitempty"`
	Cursor          *schema.Cursor          `json:"cursor,omitempty"`
	ClearCursor     bool                    `json:"clear_cursor,omitempty"`
	WakeAt          *time.Time              `json:"wake_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64                  `json:"execution_time_ms,omitempty"`
}

// WaitFilter specifies criteria for listing execution waits.
type WaitFilter struct {
	Status      schema.WaitStatus `json:"status,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	// ExpiredBy restricts to waits whose expires_at is not after ExpiredBy.
	ExpiredBy *time.Time `json:"expired_by,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// MessageUpdate specifies mutable fields of an outbound message.
type MessageUpdate struct {
	Status MessageStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
	SentAt *time.Time    `json:"sent_at,omitempty"`
}

// RecordFilter specifies equality criteria over record fields.
type RecordFilter struct {
	Equals map[string]any `json:"equals,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}
