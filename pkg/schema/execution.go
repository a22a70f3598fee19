package schema

import (
	"encoding/json"
	"time"
)

// Execution is one concrete run of a workflow caused by one triggering occurrence.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	Status            ExecutionStatus `json:"status"`
	TriggerEntityType string          `json:"trigger_entity_type,omitempty"`
	TriggerEntityID   string          `json:"trigger_entity_id,omitempty"`
	TriggerEvent      string          `json:"trigger_event,omitempty"`
	TriggerData       map[string]any  `json:"trigger_data,omitempty"`
	Attempt           int             `json:"attempt"`
	RetryOf           string          `json:"retry_of,omitempty"`
	NotBefore         *time.Time      `json:"not_before,omitempty"`
	WakeAt            *time.Time      `json:"wake_at,omitempty"`
	Cursor            *Cursor         `json:"cursor,omitempty"`
	Log               []LogEntry      `json:"execution_log"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs   int64           `json:"execution_time_ms,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LogEntry records the outcome of a single step within an execution.
type LogEntry struct {
	StepID     string         `json:"step_id"`
	StepName   string         `json:"step_name"`
	StepType   StepType       `json:"step_type"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// Failed reports whether the entry records an error.
func (e LogEntry) Failed() bool {
	return e.Error != ""
}

// Cursor is the persisted resumption point of a WAITING execution.
type Cursor struct {
	SuspendedStepID string    `json:"suspended_step_id"`
	Queue           []string  `json:"queue,omitempty"`
	Visited         []string  `json:"visited,omitempty"`
	Reason          string    `json:"reason"` // delay | wait_for_event
	WaitID          string    `json:"wait_id,omitempty"`
	SuspendedAt     time.Time `json:"suspended_at"`
}

// Suspension reasons.
const (
	SuspendDelay        = "delay"
	SuspendWaitForEvent = "wait_for_event"
)

// ExecutionWait is a pending WAIT_FOR_EVENT subscription.
type ExecutionWait struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	EventType   string          `json:"event_type"`
	EntityType  string          `json:"entity_type,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      WaitStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	MatchedAt   *time.Time      `json:"matched_at,omitempty"`
}

// WaitStatus is the lifecycle state of an ExecutionWait.
type WaitStatus string

const (
	WaitPending WaitStatus = "pending"
	WaitMatched WaitStatus = "matched"
	WaitExpired WaitStatus = "expired"
)
