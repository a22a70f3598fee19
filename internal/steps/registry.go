package steps

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Registry maps a step type to its executor. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepType]Executor)}
}

// Register adds an executor. Returns error on duplicate type.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := e.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %s already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Get retrieves the executor for a step type.
func (r *Registry) Get(t schema.StepType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoExecutor, "no executor registered for %s", t)
	}
	return e, nil
}

// Types lists the registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MessageSender is the part of the delivery collaborator EMAIL needs.
type MessageSender interface {
	SendMessage(ctx context.Context, msg delivery.Message) (string, error)
}

// WaitCreator persists WAIT_FOR_EVENT subscriptions.
type WaitCreator interface {
	CreateWait(ctx context.Context, wait *schema.ExecutionWait) error
}

// Deps are the collaborators shared by the built-in executors.
type Deps struct {
	Records     store.RecordStore
	Waits       WaitCreator
	Sender      MessageSender
	Exprs       *expressions.Engines
	HTTPClient  *http.Client
	Breakers    *CircuitBreakerRegistry
	DefaultFrom string
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewDefaultRegistry registers an executor for every step type.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	if d.Exprs == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		d.Exprs = engines
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Breakers == nil {
		d.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	interp := expressions.NewInterpolator(false)

	r := NewRegistry()
	for _, e := range []Executor{
		NewTriggerExecutor(),
		NewEmailExecutor(d.Records, d.Sender, interp, d.DefaultFrom),
		NewConditionExecutor(d.Records, d.Exprs.CEL),
		NewBranchConditionExecutor(d.Records, d.Exprs.CEL),
		NewDelayExecutor(d.Now),
		NewTaskExecutor(d.Records, interp, d.Now),
		NewTagExecutor(d.Records),
		NewFieldUpdateExecutor(d.Records, d.Exprs.Expr, interp),
		NewWebhookExecutor(WebhookConfig{Client: d.HTTPClient, Breakers: d.Breakers}, d.Exprs.JQ, interp, d.Records, d.Logger),
		NewWaitExecutor(d.Waits, d.Now),
	} {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}
