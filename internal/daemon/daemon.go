// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the workflow engine: storage, scheduler and
// workspace clients, the compiler, the HTTP API and the executor loop.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BV-BRC/workflow-engine/internal/api"
	"github.com/BV-BRC/workflow-engine/internal/compiler"
	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/internal/executor"
	internallog "github.com/BV-BRC/workflow-engine/internal/log"
	"github.com/BV-BRC/workflow-engine/internal/manager"
	"github.com/BV-BRC/workflow-engine/internal/metrics"
	"github.com/BV-BRC/workflow-engine/internal/scheduler"
	"github.com/BV-BRC/workflow-engine/internal/store"
	"github.com/BV-BRC/workflow-engine/internal/validate"
	"github.com/BV-BRC/workflow-engine/internal/wflog"
	"github.com/BV-BRC/workflow-engine/internal/workspace"
)

// Options contains daemon options set at build time.
type Options struct {
	Version string
}

// Daemon is the workflowd process.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	store    store.Store
	executor *executor.Executor
	logs     *wflog.Manager

	mu      sync.Mutex
	started bool
}

// New creates a daemon from the loaded configuration. It connects to
// MongoDB when one is configured and falls back to the in-memory store
// otherwise.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(slog.Default(), "daemon")

	var st store.Store
	if cfg.MongoDB.Host != "" {
		mongoStore, err := store.NewMongoStore(ctx, cfg.MongoDB,
			internallog.WithComponent(slog.Default(), "store"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		st = mongoStore
	} else {
		logger.Warn("no mongodb host configured, using in-memory store; state is lost on restart")
		st = store.NewMemoryStore()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	sched := scheduler.NewClient(cfg.Scheduler,
		internallog.WithComponent(slog.Default(), "scheduler"))
	ws := workspace.NewClient(cfg.Workspace,
		internallog.WithComponent(slog.Default(), "workspace"))

	comp := compiler.New(compiler.Options{
		Registry:              validate.NewRegistry(),
		Checker:               ws,
		CheckOutputConflicts:  cfg.Workspace.CheckOutputFileConflicts,
		MaxOutputFileAttempts: cfg.Workspace.MaxOutputFileAttempts,
		Logger:                internallog.WithComponent(slog.Default(), "compiler"),
	})

	logs := wflog.NewManager(cfg.Executor.WorkflowLogDir,
		internallog.WithComponent(slog.Default(), "wflog"))

	mgr := manager.New(st, comp, m, logs, internallog.WithComponent(slog.Default(), "manager"))

	groups := executor.NewGroupRunner(
		executor.WorkspaceGroupCreator{},
		st, logs,
		internallog.WithComponent(slog.Default(), "groups"),
		int64(cfg.Executor.MaxParallelSteps))

	exec := executor.New(executor.Options{
		Store:           st,
		Scheduler:       sched,
		Groups:          groups,
		Metrics:         m,
		Logs:            logs,
		Logger:          internallog.WithComponent(slog.Default(), "executor"),
		PollingInterval: cfg.Executor.PollingInterval,
		MaxParallel:     cfg.Executor.MaxParallelSteps,
		AutoResume:      cfg.Executor.AutoResume,
	})

	router := api.NewRouter(api.RouterConfig{Version: opts.Version}, mgr, st, registry,
		internallog.WithComponent(slog.Default(), "api"))

	server := &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		server:   server,
		store:    st,
		executor: exec,
		logs:     logs,
	}, nil
}

// Start runs the HTTP server and the executor loop, blocking until the
// context is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("workflowd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.server.Addr),
		slog.Duration("polling_interval", d.cfg.Executor.PollingInterval))

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	go func() {
		if err := d.executor.Run(execCtx); err != nil && execCtx.Err() == nil {
			d.logger.Error("executor stopped", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server and releases resources. In-flight
// scheduler tasks keep running; the executor resumes them on the next
// start.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", slog.Any("error", err))
		}
	}

	d.logs.CloseAll()

	if err := d.store.Close(ctx); err != nil {
		d.logger.Error("failed to close store", slog.Any("error", err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
