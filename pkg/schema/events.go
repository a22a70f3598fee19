package schema

import "strings"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionWaiting   ExecutionStatus = "WAITING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Audit event types appended to the execution event log.
const (
	EventExecutionEnqueued  = "execution_enqueued"
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionRetried   = "execution_retried"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventWaitMatched        = "wait_matched"
)

// Entity types a trigger can reference.
const (
	EntityLead    = "lead"
	EntityContact = "contact"
	EntityDeal    = "deal"
	EntityTask    = "task"
)

// EntityTable maps an entity type to its record-store table. Matching
// ignores case and surrounding space, and accepts the plural form.
func EntityTable(entityType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(entityType)) {
	case EntityLead, "leads":
		return "leads", true
	case EntityContact, "contacts":
		return "contacts", true
	case EntityDeal, "deals":
		return "deals", true
	case EntityTask, "tasks":
		return "tasks", true
	default:
		return "", false
	}
}

// SameEntityType reports whether a and b name the same entity type.
// Unknown types fall back to a case-insensitive comparison.
func SameEntityType(a, b string) bool {
	ta, okA := EntityTable(a)
	tb, okB := EntityTable(b)
	if okA && okB {
		return ta == tb
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
