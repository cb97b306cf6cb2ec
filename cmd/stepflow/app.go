package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/subflow"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/internal/validation"
)

// app is the wired engine shared by every sub-command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	tasks     *tasks.Registry
	loader    *subflow.Loader
	validator *validation.WorkflowValidator
	hub       *streaming.MemoryHub
	store     *store.LibSQLStore // nil when db_path is empty
	registry  *engine.Registry
}

// newApp wires store → emitter → interpreter → registry from cfg.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	reg := tasks.NewRegistry()
	if err := tasks.RegisterBuiltins(reg, logger); err != nil {
		return nil, fmt.Errorf("register built-in tasks: %w", err)
	}

	loader := subflow.NewLoader(
		subflow.WithBaseDir(cfg.FlowsDir),
		subflow.WithSearchDepth(cfg.SearchDepth),
		subflow.WithLogger(logger),
	)

	validator, err := validation.NewWorkflowValidator(reg)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		tasks:     reg,
		loader:    loader,
		validator: validator,
		hub:       streaming.NewMemoryHub(),
	}

	var history engine.HistoryStore
	if cfg.DBPath != "" {
		st, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store = st
		history = st
	}

	interp := engine.NewInterpreter(reg,
		engine.WithLoader(loader),
		engine.WithValidator(validator),
		engine.WithEmitter(engine.NewEmitter(a.hub, history, logger)),
		engine.WithLogger(logger),
	)
	a.registry = engine.NewRegistry(interp, validator, engine.RegistryConfig{
		PoolSize:     cfg.PoolSize,
		HistoryLimit: cfg.HistoryLimit,
		Loader:       loader,
		Logger:       logger,
	})
	return a, nil
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

// Close cancels in-flight executions and releases the store.
func (a *app) Close() error {
	err := a.registry.Close()
	if a.store != nil {
		if cerr := a.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
