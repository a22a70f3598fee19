// Package engine walks workflow graphs for claimed executions. It owns
// execution status changes, the execution log, suspension and retry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultStepTimeout bounds a step without its own timeout option.
const DefaultStepTimeout = 30 * time.Second

// Config holds interpreter settings.
type Config struct {
	StepTimeout time.Duration
	Now         func() time.Time
}

// Interpreter runs claimed executions to COMPLETED, FAILED or WAITING.
type Interpreter struct {
	store     store.Store
	registry  *steps.Registry
	validator validation.Validator
	fsm       *ExecutionFSM
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewInterpreter creates an Interpreter. validator may be nil to skip
// definition checks; m may be nil.
func NewInterpreter(s store.Store, registry *steps.Registry, validator validation.Validator, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Interpreter {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		store:     s,
		registry:  registry,
		validator: validator,
		fsm:       NewExecutionFSM(s),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// FSM exposes the execution state machine so callers can register hooks.
func (i *Interpreter) FSM() *ExecutionFSM { return i.fsm }

// Claim atomically moves exec from its current status (PENDING or WAITING)
// to RUNNING. It returns false when another claimer won. On success exec is
// refreshed from the store. Once the claim is stored Claim reports true
// with a nil error; later audit failures are only logged.
func (i *Interpreter) Claim(ctx context.Context, exec *schema.Execution) (bool, error) {
	from := exec.Status
	if err := i.fsm.Validate(exec.ID, from, schema.ExecutionRunning); err != nil {
		return false, err
	}
	won, err := i.store.ClaimExecution(ctx, exec.ID, from, schema.ExecutionRunning)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "claim execution %s: %s", exec.ID, err.Error()).WithCause(err)
	}
	if !won {
		return false, nil
	}
	fresh, err := i.store.GetExecution(ctx, exec.ID)
	if err != nil {
		i.logger.WarnContext(ctx, "failed to reload claimed execution",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		exec.Status = schema.ExecutionRunning
	} else {
		*exec = *fresh
	}
	if err := i.fsm.Transition(ctx, exec, from, schema.ExecutionRunning, map[string]any{"attempt": exec.Attempt}); err != nil {
		i.logger.WarnContext(ctx, "failed to audit execution claim",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	return true, nil
}

// walk is the state of one breadth-first pass over a graph.
type walk struct {
	exec    *schema.Execution
	wf      *schema.Workflow
	graph   *Graph
	queue   []string
	visited map[string]bool
	order   []string
	log     []schema.LogEntry
}

func newWalk(exec *schema.Execution, wf *schema.Workflow, g *Graph, visited []string, log []schema.LogEntry) *walk {
	w := &walk{
		exec:    exec,
		wf:      wf,
		graph:   g,
		visited: make(map[string]bool, len(g.Nodes)),
		order:   append([]string(nil), visited...),
		log:     append([]schema.LogEntry{}, log...),
	}
	for _, id := range visited {
		w.visited[id] = true
	}
	return w
}

// Run walks a claimed (RUNNING) execution from its entry step. It returns
// the failure cause when the execution ended FAILED, or a store error when
// the outcome could not be persisted.
func (i *Interpreter) Run(ctx context.Context, exec *schema.Execution) error {
	if exec.Status != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is %s, not RUNNING", exec.ID, exec.Status)
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID)

	wf, g, err := i.load(ctx, exec.WorkflowID)
	if err != nil {
		return i.fail(ctx, exec, wf, err)
	}

	w := newWalk(exec, wf, g, nil, nil)
	if g.Entry != "" {
		w.queue = []string{g.Entry}
	}
	return i.walk(ctx, w)
}

// Resume continues a claimed execution that was WAITING. The suspended
// step's resolution is logged and its children join the saved queue.
func (i *Interpreter) Resume(ctx context.Context, exec *schema.Execution) error {
	if exec.Status != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is %s, not RUNNING", exec.ID, exec.Status)
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID)

	wf, g, err := i.load(ctx, exec.WorkflowID)
	if err != nil {
		return i.fail(ctx, exec, wf, err)
	}
	cursor := exec.Cursor
	if cursor == nil {
		return i.fail(ctx, exec, wf, schema.NewErrorf(schema.ErrCodeValidation, "execution %s has no resumption cursor", exec.ID))
	}
	node, ok := g.Nodes[cursor.SuspendedStepID]
	if !ok {
		return i.fail(ctx, exec, wf, schema.NewErrorf(schema.ErrCodeNotFound,
			"suspended step %s no longer exists", cursor.SuspendedStepID).WithStep(cursor.SuspendedStepID))
	}

	result, branch, err := i.resolveSuspension(ctx, exec.ID, cursor)
	if err != nil {
		return i.fail(ctx, exec, wf, err)
	}

	w := newWalk(exec, wf, g, cursor.Visited, exec.Log)
	now := i.cfg.Now()
	w.log = append(w.log, schema.LogEntry{
		StepID:     node.Step.ID,
		StepName:   node.Step.DisplayName(),
		StepType:   node.Step.Type,
		Result:     result,
		Timestamp:  now,
		DurationMs: now.Sub(cursor.SuspendedAt).Milliseconds(),
	})
	if err := i.fsm.Emit(ctx, exec, node.Step.ID, schema.EventStepCompleted, result); err != nil {
		return i.fail(ctx, exec, wf, err)
	}
	w.queue = append(append([]string{}, cursor.Queue...), g.Next(node.Step.ID, branch)...)
	return i.walk(ctx, w)
}

// resolveSuspension builds the log result for a suspended step and the
// branch its children follow. An elapsed delay has no branch; a wait
// yields "true" when its event arrived and "false" when it expired.
func (i *Interpreter) resolveSuspension(ctx context.Context, executionID string, cursor *schema.Cursor) (map[string]any, string, error) {
	switch cursor.Reason {
	case schema.SuspendDelay:
		return map[string]any{"delay_elapsed": true, "suspended_at": cursor.SuspendedAt.UTC().Format(time.RFC3339)}, "", nil

	case schema.SuspendWaitForEvent:
		wait, err := i.findWait(ctx, executionID, cursor)
		if err != nil {
			return nil, "", err
		}
		if wait.Status == schema.WaitPending {
			expired, err := i.store.ResolveWait(ctx, wait.ID, schema.WaitExpired, nil)
			if err != nil {
				return nil, "", schema.NewErrorf(schema.ErrCodeStore, "expire wait %s: %s", wait.ID, err.Error()).WithCause(err)
			}
			if !expired {
				// Matched between listing and expiring.
				if wait, err = i.findWait(ctx, executionID, cursor); err != nil {
					return nil, "", err
				}
			} else {
				wait.Status = schema.WaitExpired
			}
		}
		result := map[string]any{
			"wait_id":    wait.ID,
			"event_type": wait.EventType,
		}
		if wait.Status == schema.WaitMatched {
			result["event_received"] = true
			if len(wait.Payload) > 0 {
				result["payload"] = wait.Payload
			}
			return result, schema.BranchTrue, nil
		}
		result["event_received"] = false
		result["timed_out"] = true
		return result, schema.BranchFalse, nil

	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown suspension reason %q", cursor.Reason)
	}
}

func (i *Interpreter) findWait(ctx context.Context, executionID string, cursor *schema.Cursor) (*schema.ExecutionWait, error) {
	waits, err := i.store.ListWaits(ctx, store.WaitFilter{ExecutionID: executionID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list waits: %s", err.Error()).WithCause(err)
	}
	for _, w := range waits {
		if w.ID == cursor.WaitID {
			return w, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "wait %s not found", cursor.WaitID).WithStep(cursor.SuspendedStepID)
}

// load fetches and checks the workflow definition. The returned workflow is
// non-nil whenever it was found, even if it failed validation.
func (i *Interpreter) load(ctx context.Context, workflowID string) (*schema.Workflow, *Graph, error) {
	wf, err := i.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, nil, err
		}
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}
	if i.validator != nil {
		if err := i.validator.ValidateWorkflow(wf); err != nil {
			return wf, nil, err
		}
	}
	g, err := BuildGraph(wf)
	if err != nil {
		return wf, nil, err
	}
	return wf, g, nil
}

// walk drains the queue. Step failures are logged and stop the walk unless
// the step opted out; errors from persistence or cancellation escape and
// fail the execution.
func (i *Interpreter) walk(ctx context.Context, w *walk) error {
	for len(w.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return i.fail(ctx, w.exec, w.wf, err)
		}
		id := w.queue[0]
		w.queue = w.queue[1:]
		if w.visited[id] {
			continue
		}
		w.visited[id] = true
		w.order = append(w.order, id)

		node, ok := w.graph.Nodes[id]
		if !ok {
			continue
		}
		if n := w.graph.UnlabeledChildren(id); n > 0 {
			i.logger.WarnContext(ctx, "branching step has unlabeled children; they run on both branches",
				slog.String("step_id", id), slog.Int("unlabeled", n))
		}

		started := i.cfg.Now()
		out, stepErr := i.dispatch(logging.WithStepID(ctx, id), w, node)
		duration := i.cfg.Now().Sub(started)
		if stepErr != nil && ctx.Err() != nil {
			return i.fail(ctx, w.exec, w.wf, ctx.Err())
		}

		success := stepErr == nil && out.Success
		i.metrics.StepFinished(ctx, string(node.Step.Type), success, duration)

		if success && out.Suspend != nil {
			return i.suspend(ctx, w, node, out.Suspend)
		}

		entry := schema.LogEntry{
			StepID:     node.Step.ID,
			StepName:   node.Step.DisplayName(),
			StepType:   node.Step.Type,
			Timestamp:  started,
			DurationMs: duration.Milliseconds(),
		}

		if !success {
			reason := ""
			if out != nil {
				reason = out.Error
				entry.Result = out.Data
			}
			res, err := HandleStepFailure(ctx, i.fsm, w.exec, node, reason, stepErr)
			if err != nil {
				return i.fail(ctx, w.exec, w.wf, err)
			}
			entry.Error = res.Reason
			w.log = append(w.log, entry)
			i.logger.InfoContext(ctx, "step failed",
				slog.String("step_id", id), slog.String("step_type", string(node.Step.Type)),
				slog.String("error", res.Reason), slog.Bool("continue", res.Continue))
			if !res.Continue {
				w.queue = nil
				break
			}
		} else {
			if node.Step.Type != schema.StepTypeTrigger {
				entry.Result = out.Data
				w.log = append(w.log, entry)
			}
			if err := i.fsm.Emit(ctx, w.exec, id, schema.EventStepCompleted, out.Data); err != nil {
				return i.fail(ctx, w.exec, w.wf, err)
			}
		}

		branch := ""
		if out != nil {
			branch = out.Branch
		}
		w.queue = append(w.queue, w.graph.Next(id, branch)...)
	}
	return i.complete(ctx, w)
}

// dispatch runs one step under its timeout. A panic or a nil outcome is a
// step error.
func (i *Interpreter) dispatch(ctx context.Context, w *walk, node *Node) (*steps.Outcome, error) {
	executor, err := i.registry.Get(node.Step.Type)
	if err != nil {
		return nil, err
	}
	timeout := node.Options.TimeoutOr(i.cfg.StepTimeout)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out *steps.Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(node.Step.ID)}
			}
		}()
		out, err := executor.Execute(stepCtx, steps.Input{
			Step:      node.Step,
			Config:    node.Config,
			Options:   node.Options,
			Execution: w.exec,
			Workflow:  w.wf,
		})
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.out == nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "executor returned no outcome").WithStep(node.Step.ID)
		}
		return r.out, r.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).WithStep(node.Step.ID)
	}
}

// suspend persists the resumption point and parks the execution in WAITING.
func (i *Interpreter) suspend(ctx context.Context, w *walk, node *Node, s *steps.Suspension) error {
	now := i.cfg.Now()
	cursor := &schema.Cursor{
		SuspendedStepID: node.Step.ID,
		Queue:           append([]string{}, w.queue...),
		Visited:         append([]string{}, w.order...),
		Reason:          s.Reason,
		WaitID:          s.WaitID,
		SuspendedAt:     now,
	}
	until := s.Until
	err := i.transition(ctx, w.exec, schema.ExecutionWaiting, store.ExecutionUpdate{
		Log:    w.log,
		Cursor: cursor,
		WakeAt: &until,
	}, map[string]any{
		"step_id": node.Step.ID,
		"reason":  s.Reason,
		"wake_at": until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return i.fail(ctx, w.exec, w.wf, err)
	}
	w.exec.Cursor = cursor
	w.exec.WakeAt = &until
	w.exec.Log = w.log
	if cursor.WaitID != "" {
		i.wakeIfMatched(ctx, w.exec, cursor)
	}
	i.logger.InfoContext(ctx, "execution suspended",
		slog.String("step_id", node.Step.ID), slog.String("reason", s.Reason), slog.Time("wake_at", *w.exec.WakeAt))
	return nil
}

// wakeIfMatched pulls wake_at forward to now when the wait was matched
// before the execution reached WAITING. Failures leave the original wake
// time in place.
func (i *Interpreter) wakeIfMatched(ctx context.Context, exec *schema.Execution, cursor *schema.Cursor) {
	wait, err := i.findWait(ctx, exec.ID, cursor)
	if err != nil {
		i.logger.WarnContext(ctx, "failed to re-check wait after suspending", slog.String("error", err.Error()))
		return
	}
	if wait.Status != schema.WaitMatched {
		return
	}
	now := i.cfg.Now()
	waiting := schema.ExecutionWaiting
	if err := i.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{ExpectStatus: &waiting, WakeAt: &now}); err != nil {
		i.logger.WarnContext(ctx, "failed to wake execution for matched wait",
			slog.String("wait_id", wait.ID), slog.String("error", err.Error()))
		return
	}
	exec.WakeAt = &now
}

func (i *Interpreter) complete(ctx context.Context, w *walk) error {
	now := i.cfg.Now()
	elapsed := now.Sub(w.exec.StartedAt).Milliseconds()
	err := i.transition(ctx, w.exec, schema.ExecutionCompleted, store.ExecutionUpdate{
		Log:             w.log,
		ClearCursor:     true,
		CompletedAt:     &now,
		ExecutionTimeMs: &elapsed,
	}, map[string]any{"steps_logged": len(w.log)})
	if err != nil {
		return i.fail(ctx, w.exec, w.wf, err)
	}
	w.exec.Log = w.log
	w.exec.CompletedAt = &now
	w.exec.ExecutionTimeMs = elapsed
	w.exec.Cursor = nil

	if err := i.store.RecordWorkflowOutcome(ctx, w.exec.WorkflowID, true, now); err != nil {
		i.logger.ErrorContext(ctx, "failed to record workflow outcome", slog.String("error", err.Error()))
	}
	i.metrics.ExecutionFinished(ctx, w.exec.WorkflowID, string(schema.ExecutionCompleted))
	i.logger.InfoContext(ctx, "execution completed",
		slog.Int("steps_logged", len(w.log)), slog.Int64("execution_time_ms", elapsed))
	return nil
}

// fail marks the execution FAILED with a single log entry carrying cause,
// updates the workflow counters and enqueues a retry when the policy allows.
// It returns cause, or the persistence error if FAILED could not be written.
func (i *Interpreter) fail(ctx context.Context, exec *schema.Execution, wf *schema.Workflow, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := i.cfg.Now()
	elapsed := now.Sub(exec.StartedAt).Milliseconds()

	entry := schema.LogEntry{StepName: "execution", Error: cause.Error(), Timestamp: now}
	var ae *schema.AutoflowError
	if errors.As(cause, &ae) && ae.StepID != "" {
		entry.StepID = ae.StepID
	}
	log := []schema.LogEntry{entry}

	err := i.transition(ctx, exec, schema.ExecutionFailed, store.ExecutionUpdate{
		Log:             log,
		ClearCursor:     true,
		CompletedAt:     &now,
		ExecutionTimeMs: &elapsed,
	}, map[string]any{"error": cause.Error()})
	if err != nil {
		i.logger.ErrorContext(ctx, "failed to mark execution failed",
			slog.String("error", err.Error()), slog.String("cause", cause.Error()))
		return err
	}
	exec.Log = log
	exec.CompletedAt = &now
	exec.ExecutionTimeMs = elapsed
	exec.Cursor = nil

	if err := i.store.RecordWorkflowOutcome(ctx, exec.WorkflowID, false, now); err != nil {
		i.logger.WarnContext(ctx, "failed to record workflow outcome", slog.String("error", err.Error()))
	}
	i.metrics.ExecutionFinished(ctx, exec.WorkflowID, string(schema.ExecutionFailed))
	i.logger.ErrorContext(ctx, "execution failed", slog.String("error", cause.Error()), slog.Int("attempt", exec.Attempt))

	if wf != nil && ShouldRetry(wf.Retry, exec.Attempt, cause) {
		if err := i.enqueueRetry(ctx, exec, wf, now); err != nil {
			i.logger.ErrorContext(ctx, "failed to enqueue retry", slog.String("error", err.Error()))
		}
	}
	return cause
}

func (i *Interpreter) enqueueRetry(ctx context.Context, failed *schema.Execution, wf *schema.Workflow, now time.Time) error {
	notBefore := now.Add(ComputeBackoff(wf.Retry, failed.Attempt-1))
	retry := &schema.Execution{
		ID:                uuid.New().String(),
		WorkflowID:        failed.WorkflowID,
		Status:            schema.ExecutionPending,
		TriggerEntityType: failed.TriggerEntityType,
		TriggerEntityID:   failed.TriggerEntityID,
		TriggerEvent:      failed.TriggerEvent,
		TriggerData:       failed.TriggerData,
		Attempt:           failed.Attempt + 1,
		RetryOf:           failed.ID,
		NotBefore:         &notBefore,
		Log:               []schema.LogEntry{},
		StartedAt:         now,
	}
	if err := i.store.CreateExecution(ctx, retry); err != nil {
		return fmt.Errorf("create retry execution: %w", err)
	}
	if err := i.fsm.Emit(ctx, retry, "", schema.EventExecutionEnqueued, map[string]any{
		"retry_of": failed.ID,
		"attempt":  retry.Attempt,
	}); err != nil {
		return err
	}
	return i.fsm.Emit(ctx, failed, "", schema.EventExecutionRetried, map[string]any{
		"retry_id":   retry.ID,
		"attempt":    retry.Attempt,
		"not_before": notBefore.UTC().Format(time.RFC3339),
	})
}

// transition persists a status change guarded by the current status, then
// records it through the FSM. Once the new status is stored an audit
// failure is only logged.
func (i *Interpreter) transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate, payload map[string]any) error {
	from := exec.Status
	if err := i.fsm.Validate(exec.ID, from, to); err != nil {
		return err
	}
	update.ExpectStatus = &from
	update.Status = &to
	if update.Log == nil {
		update.Log = []schema.LogEntry{}
	}
	if err := i.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStore, "update execution %s: %s", exec.ID, err.Error()).WithCause(err)
	}
	exec.Status = to
	if err := i.fsm.Transition(ctx, exec, from, to, payload); err != nil {
		i.logger.WarnContext(ctx, "failed to audit execution transition",
			slog.String("from", string(from)), slog.String("to", string(to)), slog.String("error", err.Error()))
	}
	return nil
}
