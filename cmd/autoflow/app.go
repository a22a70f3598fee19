package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/router"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/mcp"
)

// app is the fully wired engine.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	validator *validation.WorkflowValidator
	outbox    *delivery.Outbox
	interp    *engine.Interpreter
	router    *router.Router
	scheduler *scheduler.Scheduler
	mcp       *mcp.Server
}

// openStore opens and migrates the configured database, creating the parent
// directory of a local file.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	dsn := storeDSN(path)
	if local, ok := strings.CutPrefix(dsn, "file:"); ok {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a, err := wire(s, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func wire(s *store.LibSQLStore, cfg Config, logger *slog.Logger) (*app, error) {
	m := metrics.Global()

	exprs, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(exprs.CEL)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	transport, err := delivery.NewTransport(delivery.TransportConfig{
		Kind:    cfg.Delivery.Transport,
		URL:     cfg.Delivery.URL,
		Headers: cfg.Delivery.Headers,
		Timeout: cfg.Delivery.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	outbox := delivery.NewOutbox(s, transport, delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		DefaultFrom: cfg.Delivery.DefaultFrom,
	}, logger, m)

	registry, err := steps.NewDefaultRegistry(steps.Deps{
		Records:     s,
		Waits:       s,
		Sender:      outbox,
		Exprs:       exprs,
		DefaultFrom: cfg.Delivery.DefaultFrom,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("step registry: %w", err)
	}

	interp := engine.NewInterpreter(s, registry, validator, engine.Config{StepTimeout: cfg.Engine.StepTimeout}, logger, m)
	rt := router.New(s, logger, m)
	sched := scheduler.NewScheduler(s, interp, rt, outbox, cfg.schedulerConfig(), logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		validator: validator,
		outbox:    outbox,
		interp:    interp,
		router:    rt,
		scheduler: sched,
		mcp:       mcp.NewServer(mcp.ServerDeps{Router: rt, Store: s, Logger: logger, Version: version}),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
