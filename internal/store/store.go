package store

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Store defines the persistence contract of the engine.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	// RecordWorkflowOutcome bumps execution_count and either success_count or
	// failure_count in a single atomic statement.
	RecordWorkflowOutcome(ctx context.Context, id string, success bool, at time.Time) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	// ClaimExecution atomically moves an execution from one status to another.
	// It returns false when the execution was not in the expected status.
	ClaimExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) (bool, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// Waits
	CreateWait(ctx context.Context, wait *schema.ExecutionWait) error
	ListWaits(ctx context.Context, filter WaitFilter) ([]*schema.ExecutionWait, error)
	ResolveWait(ctx context.Context, id string, status schema.WaitStatus, payload map[string]any) (bool, error)

	// Outbox
	EnqueueMessage(ctx context.Context, msg *OutboundMessage) error
	ListQueuedMessages(ctx context.Context, limit int) ([]*OutboundMessage, error)
	MarkMessage(ctx context.Context, id string, update MessageUpdate) error

	// Audit (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	RecordStore

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// RecordStore is the generic record collaborator: CRM rows keyed by table
// name and id, stored as JSON documents with a version for optimistic
// concurrency.
type RecordStore interface {
	FetchByID(ctx context.Context, table, id string) (*Record, error)
	FetchByFilter(ctx context.Context, table string, filter RecordFilter) ([]*Record, error)
	Insert(ctx context.Context, table string, data map[string]any) (*Record, error)
	// Update merges fields into the record. A positive expectedVersion makes
	// the write conditional; a mismatch yields an ErrCodeConflict error.
	Update(ctx context.Context, table, id string, fields map[string]any, expectedVersion int64) (*Record, error)
	// Increment atomically adds delta to a numeric field and returns the new value.
	Increment(ctx context.Context, table, id, field string, delta float64) (float64, error)
}
