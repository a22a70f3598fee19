package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// Runner claims and drives executions. Satisfied by the engine interpreter
// (avoids import cycle).
type Runner interface {
	Claim(ctx context.Context, exec *schema.Execution) (bool, error)
	Run(ctx context.Context, exec *schema.Execution) error
	Resume(ctx context.Context, exec *schema.Execution) error
}

// Enqueuer creates PENDING executions for scheduled workflows. Satisfied by the router.
type Enqueuer interface {
	EnqueueWorkflow(ctx context.Context, wf *schema.Workflow, entityType, entityID, event string, payload map[string]any) (*schema.Execution, error)
}

// Flusher delivers queued outbound messages. Satisfied by the delivery outbox.
type Flusher interface {
	FlushQueued(ctx context.Context, limit int) (int, error)
}

// TriggerPredicate decides whether a SCHEDULED_TIME workflow is due at now.
type TriggerPredicate interface {
	Due(wf *schema.Workflow, now time.Time) (bool, error)
}

// CronPredicate fires a workflow when the next cron slot (or interval)
// after its last scheduled run has passed. Workflows never scheduled
// measure from their creation time.
type CronPredicate struct {
	parser cron.Parser
}

// NewCronPredicate creates a CronPredicate using five-field cron expressions.
func NewCronPredicate() *CronPredicate {
	return &CronPredicate{parser: validation.CronParser}
}

// Due reports whether wf has a slot at or before now.
func (p *CronPredicate) Due(wf *schema.Workflow, now time.Time) (bool, error) {
	tc := wf.TriggerConfig
	if tc == nil || (tc.Cron == "" && tc.Interval == "") {
		return false, fmt.Errorf("workflow %q has no cron or interval", wf.ID)
	}
	last := wf.CreatedAt
	if wf.LastScheduledAt != nil {
		last = *wf.LastScheduledAt
	}

	if tc.Cron != "" {
		next, err := p.NextRun(tc.Cron, last)
		if err != nil {
			return false, err
		}
		return !next.After(now), nil
	}

	interval, err := time.ParseDuration(tc.Interval)
	if err != nil || interval <= 0 {
		return false, fmt.Errorf("workflow %q has invalid interval %q", wf.ID, tc.Interval)
	}
	return !last.Add(interval).After(now), nil
}

// NextRun computes the next run time for a cron expression.
func (p *CronPredicate) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := p.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Config holds loop periods and batch sizes. Zero values take defaults.
type Config struct {
	ExecutionInterval time.Duration
	ExecutionBatch    int
	MessageInterval   time.Duration
	MessageBatch      int
	ScheduleInterval  time.Duration
	ResumeInterval    time.Duration
	ResumeBatch       int
	Predicate         TriggerPredicate
	Now               func() time.Time
}

// Default loop settings.
const (
	DefaultExecutionInterval = 5 * time.Second
	DefaultExecutionBatch    = 10
	DefaultMessageInterval   = 10 * time.Second
	DefaultMessageBatch      = 5
	DefaultScheduleInterval  = 60 * time.Second
	DefaultResumeInterval    = 15 * time.Second
	DefaultResumeBatch       = 10
)

func (c Config) withDefaults() Config {
	if c.ExecutionInterval <= 0 {
		c.ExecutionInterval = DefaultExecutionInterval
	}
	if c.ExecutionBatch <= 0 {
		c.ExecutionBatch = DefaultExecutionBatch
	}
	if c.MessageInterval <= 0 {
		c.MessageInterval = DefaultMessageInterval
	}
	if c.MessageBatch <= 0 {
		c.MessageBatch = DefaultMessageBatch
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = DefaultScheduleInterval
	}
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = DefaultResumeInterval
	}
	if c.ResumeBatch <= 0 {
		c.ResumeBatch = DefaultResumeBatch
	}
	if c.Predicate == nil {
		c.Predicate = NewCronPredicate()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Scheduler owns the four background loops: pending executions, the
// message outbox, the scheduled-trigger sweep and the resumption sweep.
// Schedulers never share state; several may run against one store.
type Scheduler struct {
	store     store.Store
	runner    Runner
	enqueuer  Enqueuer
	deliverer Flusher
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// NewScheduler creates a new Scheduler. deliverer may be nil to disable the
// message loop.
func NewScheduler(s store.Store, runner Runner, enqueuer Enqueuer, deliverer Flusher, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		runner:    runner,
		enqueuer:  enqueuer,
		deliverer: deliverer,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg = &sync.WaitGroup{}

	loops := []struct {
		name  string
		every time.Duration
		body  func(context.Context) (int, error)
	}{
		{"executions", s.cfg.ExecutionInterval, s.ProcessPending},
		{"messages", s.cfg.MessageInterval, s.FlushMessages},
		{"scheduled", s.cfg.ScheduleInterval, s.SweepScheduled},
		{"resumption", s.cfg.ResumeInterval, s.SweepWaiting},
	}
	for _, l := range loops {
		s.wg.Add(1)
		go s.loop(schedCtx, l.name, l.every, l.body)
	}
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels the loops and waits for them to exit. Calling Stop on a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.wg = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, body func(context.Context) (int, error)) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx, name, body)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, name, body)
		}
	}
}

// tick runs one loop body, logging errors and recovering panics so a loop
// never dies.
func (s *Scheduler) tick(ctx context.Context, name string, body func(context.Context) (int, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "scheduler loop panicked",
				slog.String("loop", name), slog.Any("panic", r))
		}
	}()
	n, err := body(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "scheduler loop failed",
			slog.String("loop", name), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "scheduler loop tick", slog.String("loop", name), slog.Int("processed", n))
	}
}

// ProcessPending claims and runs up to ExecutionBatch due PENDING
// executions, oldest first, one at a time. It returns how many it ran.
func (s *Scheduler) ProcessPending(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	pending := schema.ExecutionPending
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Status: &pending,
		DueBy:  &now,
		Limit:  s.cfg.ExecutionBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending executions: %w", err)
	}

	ran := 0
	for _, exec := range execs {
		if ctx.Err() != nil {
			break
		}
		if s.runOne(ctx, exec, s.runner.Run) {
			ran++
		}
	}
	return ran, nil
}

// FlushMessages delivers up to MessageBatch queued messages.
func (s *Scheduler) FlushMessages(ctx context.Context) (int, error) {
	if s.deliverer == nil {
		return 0, nil
	}
	return s.deliverer.FlushQueued(ctx, s.cfg.MessageBatch)
}

// SweepScheduled enqueues one execution for every active, unpaused
// SCHEDULED_TIME workflow whose predicate says it is due, stamping
// last_scheduled_at first so a slot is never enqueued twice.
func (s *Scheduler) SweepScheduled(ctx context.Context) (int, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType:  schema.TriggerScheduledTime,
		EligibleOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list scheduled workflows: %w", err)
	}

	now := s.cfg.Now()
	enqueued := 0
	for _, wf := range workflows {
		due, err := s.cfg.Predicate.Due(wf, now)
		if err != nil {
			s.logger.WarnContext(ctx, "cannot evaluate schedule",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}

		if err := s.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{LastScheduledAt: &now}); err != nil {
			s.logger.ErrorContext(ctx, "failed to stamp scheduled workflow",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}

		var entityType, entityID string
		if wf.TriggerConfig != nil {
			entityType, entityID = wf.TriggerConfig.EntityType, wf.TriggerConfig.EntityID
		}
		exec, err := s.enqueuer.EnqueueWorkflow(ctx, wf, entityType, entityID, string(schema.TriggerScheduledTime),
			map[string]any{"scheduled_at": now.UTC().Format(time.RFC3339)})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue scheduled workflow",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		enqueued++
		s.logger.InfoContext(ctx, "scheduled workflow enqueued",
			slog.String("workflow_id", wf.ID), slog.String("execution_id", exec.ID))
	}
	return enqueued, nil
}

// SweepWaiting expires overdue waits, then claims and resumes up to
// ResumeBatch WAITING executions whose wake time has passed.
func (s *Scheduler) SweepWaiting(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	overdue, err := s.store.ListWaits(ctx, store.WaitFilter{Status: schema.WaitPending, ExpiredBy: &now})
	if err != nil {
		return 0, fmt.Errorf("list overdue waits: %w", err)
	}
	for _, w := range overdue {
		if _, err := s.store.ResolveWait(ctx, w.ID, schema.WaitExpired, nil); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire wait",
				slog.String("wait_id", w.ID), slog.String("error", err.Error()))
		}
	}

	waiting := schema.ExecutionWaiting
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Status: &waiting,
		WakeBy: &now,
		Limit:  s.cfg.ResumeBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list waiting executions: %w", err)
	}

	resumed := 0
	for _, exec := range execs {
		if ctx.Err() != nil {
			break
		}
		if s.runOne(ctx, exec, s.runner.Resume) {
			resumed++
		}
	}
	return resumed, nil
}

// runOne claims exec and drives it with fn. It reports whether this
// scheduler won the claim. Errors and panics are logged, never propagated.
//
// A claimed execution runs detached from ctx: stopping the scheduler takes
// effect between executions, and per-step timeouts bound the run.
func (s *Scheduler) runOne(ctx context.Context, exec *schema.Execution, fn func(context.Context, *schema.Execution) error) (claimed bool) {
	runCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(runCtx, "execution panicked",
				slog.String("execution_id", exec.ID), slog.Any("panic", r))
		}
	}()

	won, err := s.runner.Claim(runCtx, exec)
	if err != nil {
		s.logger.ErrorContext(runCtx, "failed to claim execution",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		return false
	}
	if !won {
		s.logger.DebugContext(runCtx, "execution claimed elsewhere", slog.String("execution_id", exec.ID))
		return false
	}

	if err := fn(runCtx, exec); err != nil {
		s.logger.WarnContext(runCtx, "execution ended with error",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	return true
}
