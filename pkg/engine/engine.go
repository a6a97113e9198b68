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

// Package engine is the embedding surface of the orchestrator. It wires
// the store, run state machine, dispatcher, trigger registry, hooks,
// and the optional HTTP adapter and definitions watcher into one
// process-scoped Engine.
//
// Typical embedding:
//
//	eng, err := engine.New(engine.Options{Config: cfg})
//	eng.SetInvoker(myInvoker)
//	eng.Register(definitionJSON)
//	eng.Start(ctx)
//	defer eng.Stop(context.Background())
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/dispatch"
	runmachine "github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/expression"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/server"
	"github.com/loomhq/loom/internal/statekv"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/trigger"
	"github.com/loomhq/loom/internal/watcher"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/invoker"
)

// kvCleanupInterval is how often expired KV rows are purged.
const kvCleanupInterval = time.Hour

// Aliases so embedders never import internal packages.
type (
	// Config is the engine configuration.
	Config = config.Config

	// Run is a persisted workflow execution.
	Run = store.Run

	// RunFilter narrows ListRuns results.
	RunFilter = store.RunFilter

	// RunView is the inspection snapshot returned by Inspect.
	RunView = runmachine.RunView

	// KV is a namespaced key/value view with TTL support.
	KV = statekv.State

	// Hook receives run lifecycle events.
	Hook = hooks.Hook

	// HookEvent is the snapshot delivered to hooks.
	HookEvent = hooks.Event
)

// DefaultConfig returns the configuration used when Options.Config is
// nil.
func DefaultConfig() *Config {
	return config.Default()
}

// Options configures New. Only Config is commonly set; the rest exist
// for embedding and tests.
type Options struct {
	// Config is the engine configuration. Nil means config.Default().
	Config *config.Config

	// Logger overrides the logger built from Config.Log.
	Logger *slog.Logger

	// Clock overrides the real clock, for tests.
	Clock clock.Clock

	// Registry receives the Prometheus collectors. Nil creates a
	// private registry, exposed via Gatherer.
	Registry *prometheus.Registry

	// Services is opaque integration data handed to every invocation.
	Services map[string]any

	// DefaultPauseTTL bounds human/event pauses without a declared
	// timeout. Zero means such pauses never expire.
	DefaultPauseTTL time.Duration

	// Tracer wraps step invocations in spans when set.
	Tracer trace.Tracer
}

// Engine is a fully wired orchestrator instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock

	store    *store.Store
	kv       *statekv.Manager
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	hooks    *hooks.Runner
	machine  *runmachine.Machine
	disp     *dispatch.Dispatcher
	triggers *trigger.Registry
	srv      *server.Server
	watch    *watcher.Watcher

	mu        sync.Mutex
	installed map[string]bool

	cleanupID uint64
	started   atomic.Bool
	stopped   atomic.Bool
}

// New opens the store and wires the engine. Nothing executes until
// Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
			Output: os.Stderr,
		})
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}

	promReg := opts.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	mets := metrics.New(promReg)

	st, err := store.Open(store.Config{Path: cfg.DBPath, WAL: true})
	if err != nil {
		return nil, err
	}
	kv := statekv.NewManager(st)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		store:     st,
		kv:        kv,
		metrics:   mets,
		registry:  promReg,
		hooks:     hooks.NewRunner(logger),
		installed: make(map[string]bool),
	}

	// The dispatcher and machine reference each other: the dispatcher
	// reports outcomes to the machine, the machine enqueues jobs on the
	// dispatcher. The reporter closure breaks the construction cycle.
	e.disp = dispatch.New(dispatch.Config{
		Workers:        cfg.WorkerCount,
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond,
		Logger:         logger,
		Clock:          clk,
		Evaluator:      expression.New(),
		Cache:          kv.Cache(),
		Metrics:        mets,
		Tracer:         opts.Tracer,
	}, func(o dispatch.Outcome) { e.machine.HandleOutcome(o) })

	e.machine = runmachine.NewMachine(runmachine.Config{
		Store:           st,
		KV:              kv,
		Clock:           clk,
		Sink:            e.disp,
		Hooks:           e.hooks,
		Metrics:         mets,
		Logger:          logger,
		Services:        opts.Services,
		DefaultPauseTTL: opts.DefaultPauseTTL,
	})

	e.triggers = trigger.NewRegistry(trigger.Config{
		Store:       st,
		KV:          kv,
		Clock:       clk,
		Runner:      e.machine,
		Logger:      logger,
		Metrics:     mets,
		CronEnabled: cfg.CronEnabled,
	})

	return e, nil
}

// SetInvoker installs the step invoker on the dispatcher and the
// machine. Must be called before Start for workflows with action steps.
func (e *Engine) SetInvoker(inv invoker.StepInvoker) {
	e.disp.SetInvoker(inv)
	e.machine.SetInvoker(inv)
}

// Register parses, validates, compiles, persists, and installs a
// workflow definition from JSON or YAML bytes. Re-registering an id
// replaces the previous version; in-flight runs keep the program they
// started with.
func (e *Engine) Register(ctx context.Context, data []byte) (*definition.Definition, error) {
	def, err := definition.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := e.RegisterDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// RegisterDefinition installs an already-built definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def *definition.Definition) error {
	prog, err := definition.Compile(def)
	if err != nil {
		return err
	}
	if err := e.store.PutWorkflow(ctx, def); err != nil {
		return err
	}
	return e.install(ctx, def, prog)
}

// install wires a compiled workflow into the machine, dispatcher, and
// trigger registry.
func (e *Engine) install(ctx context.Context, def *definition.Definition, prog *definition.Program) error {
	e.mu.Lock()
	replacing := e.installed[def.ID]
	e.installed[def.ID] = true
	e.mu.Unlock()

	if replacing {
		if err := e.triggers.Unregister(ctx, def.ID); err != nil {
			e.logger.Warn("failed to clear previous triggers",
				log.WorkflowKey, def.ID, log.Error(err))
		}
	}

	e.machine.RegisterProgram(prog)
	e.disp.ConfigureWorkflow(def)
	if err := e.triggers.Register(ctx, def); err != nil {
		return err
	}

	e.logger.Info("workflow registered", log.WorkflowKey, def.ID, "steps", len(def.Steps))
	return nil
}

// Unregister removes a workflow's triggers and persisted definition.
// Runs already in flight are unaffected.
func (e *Engine) Unregister(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	delete(e.installed, workflowID)
	e.mu.Unlock()

	if err := e.triggers.Unregister(ctx, workflowID); err != nil {
		return err
	}
	return e.store.DeleteWorkflow(ctx, workflowID)
}

// Start brings the engine online: persisted workflows are installed,
// interrupted runs are recovered, the worker pool and triggers start,
// and the HTTP adapter and definitions watcher come up per config.
// Recovery is idempotent; steps that were running when the process died
// are re-dispatched.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	defs, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		e.mu.Lock()
		known := e.installed[def.ID]
		e.mu.Unlock()
		if known {
			continue
		}
		prog, err := definition.Compile(def)
		if err != nil {
			e.logger.Error("skipping persisted workflow that no longer compiles",
				log.WorkflowKey, def.ID, log.Error(err))
			continue
		}
		if err := e.install(ctx, def, prog); err != nil {
			return err
		}
	}

	e.disp.Start(ctx)

	if err := e.machine.Recover(ctx); err != nil {
		return err
	}
	if err := e.machine.ExpireOverduePauses(ctx); err != nil {
		e.logger.Error("failed to expire overdue pauses", log.Error(err))
	}

	if err := e.triggers.Start(ctx); err != nil {
		return err
	}

	e.scheduleCleanup()

	if dir := e.cfg.DefinitionsDir; dir != "" {
		w, err := watcher.New(dir, func(ctx context.Context, path string, data []byte) error {
			_, err := e.Register(ctx, data)
			return err
		}, e.logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		e.watch = w
	}

	if e.cfg.Server.Enabled {
		e.srv = server.New(e.cfg.Server, e, e.logger, e.registry)
		if err := e.srv.Start(e.cfg.ListenAddr()); err != nil {
			return err
		}
	}

	e.logger.Info("engine started",
		"db", e.cfg.DBPath, "workers", e.cfg.WorkerCount, "workflows", len(defs))
	return nil
}

// scheduleCleanup arms the periodic purge of expired KV rows.
func (e *Engine) scheduleCleanup() {
	e.cleanupID = e.clk.Schedule(kvCleanupInterval, func() {
		if e.stopped.Load() {
			return
		}
		if n, err := e.kv.Cleanup(context.Background()); err != nil {
			e.logger.Error("kv cleanup failed", log.Error(err))
		} else if n > 0 {
			e.logger.Debug("kv cleanup purged rows", "rows", n)
		}
		e.scheduleCleanup()
	})
}

// Stop shuts the engine down: no new triggers are accepted, in-flight
// requests get the configured grace period, interrupted steps stay
// running in the store for the next start, and the store is flushed.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	grace := time.Duration(e.cfg.ShutdownGracePeriodMs) * time.Millisecond
	if e.srv != nil {
		sctx, cancel := context.WithTimeout(ctx, grace)
		if err := e.srv.Shutdown(sctx); err != nil {
			e.logger.Warn("http server shutdown incomplete", log.Error(err))
		}
		cancel()
	}
	if e.watch != nil {
		if err := e.watch.Stop(); err != nil {
			e.logger.Warn("watcher stop failed", log.Error(err))
		}
	}

	e.triggers.Stop()
	e.machine.Stop()
	e.disp.Stop()
	e.clk.Cancel(e.cleanupID)

	if err := e.store.Flush(ctx); err != nil {
		e.logger.Error("store flush failed", log.Error(err))
	}
	err := e.store.Close()
	e.logger.Info("engine stopped")
	return err
}

// Trigger starts a run manually.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload json.RawMessage) (*Run, error) {
	return e.triggers.Trigger(ctx, workflowID, payload)
}

// HandleWebhook routes an inbound webhook to its workflow. The boolean
// reports idempotent reuse of an earlier run.
func (e *Engine) HandleWebhook(ctx context.Context, method, path string, headers map[string]string, body []byte) (*Run, bool, error) {
	return e.triggers.HandleWebhook(ctx, method, path, headers, body)
}

// Inspect returns a snapshot of a run and its step states.
func (e *Engine) Inspect(ctx context.Context, runID string) (*RunView, error) {
	return e.machine.Inspect(ctx, runID)
}

// ListRuns lists runs, most recent first.
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// CancelRun force-cancels a run.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	return e.machine.CancelRun(ctx, runID, reason)
}

// Resume completes a paused step with the given payload as its output.
func (e *Engine) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	return e.machine.Resume(ctx, token, payload)
}

// PublishEvent resumes steps waiting on the named event and starts
// workflows with a matching event trigger. Events are fire-and-forget:
// nothing is buffered for waiters that arrive later.
func (e *Engine) PublishEvent(ctx context.Context, name string, payload json.RawMessage) (resumed, started int, err error) {
	return e.triggers.PublishEvent(ctx, name, payload)
}

// GlobalKV returns the engine-wide KV namespace.
func (e *Engine) GlobalKV() *KV {
	return e.kv.Global()
}

// WorkflowKV returns the KV namespace shared by all runs of a workflow.
func (e *Engine) WorkflowKV(workflowID string) *KV {
	return e.kv.ForWorkflow(workflowID)
}

// RunKV returns the KV namespace scoped to one run.
func (e *Engine) RunKV(runID string) *KV {
	return e.kv.ForRun(runID)
}

// OnSuccess registers a hook fired once per completed run.
func (e *Engine) OnSuccess(h Hook) { e.hooks.OnSuccess(h) }

// OnFailure registers a hook fired once per failed or cancelled run.
func (e *Engine) OnFailure(h Hook) { e.hooks.OnFailure(h) }

// OnPause registers a hook fired when a step suspends, carrying the
// resume token.
func (e *Engine) OnPause(h Hook) { e.hooks.OnPause(h) }

// Gatherer exposes the Prometheus registry backing /metrics.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.registry
}
