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

// Package engine holds the run state machine: the deterministic walk
// over a compiled program that decides which steps are ready, admits
// step outcomes, interprets control flow, and detects terminal runs.
//
// The machine persists every transition before acting on it, so a
// restart resumes from the stored step states. Outcome admission is
// guarded by a compare-and-set on (status, attempt): duplicate or stale
// worker reports are dropped rather than applied twice.
package engine

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/statekv"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
	"github.com/loomhq/loom/pkg/invoker"
)

// JobSink is the dispatcher surface the machine needs.
type JobSink interface {
	Enqueue(job *dispatch.Job) error
	CancelRun(runID string)
}

// Config wires the machine's collaborators.
type Config struct {
	Store    *store.Store
	KV       *statekv.Manager
	Clock    clock.Clock
	Sink     JobSink
	Hooks    *hooks.Runner
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Services map[string]any

	// DefaultPauseTTL bounds human/event pauses without an explicit
	// timeout. Zero means pauses never expire.
	DefaultPauseTTL time.Duration
}

// Machine drives runs from trigger to terminal state.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	programs map[string]*definition.Program
	runs     map[string]*runState
	active   map[string]int
	waiting  map[string][]*store.Run

	invMu sync.RWMutex
	inv   invoker.StepInvoker

	stopping atomic.Bool
}

// NewMachine creates a Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		cfg:      cfg,
		logger:   log.WithComponent(cfg.Logger, "engine"),
		programs: make(map[string]*definition.Program),
		runs:     make(map[string]*runState),
		active:   make(map[string]int),
		waiting:  make(map[string][]*store.Run),
	}
}

// SetInvoker installs the step invoker used for error handlers.
func (m *Machine) SetInvoker(inv invoker.StepInvoker) {
	m.invMu.Lock()
	defer m.invMu.Unlock()
	m.inv = inv
}

func (m *Machine) invoker() invoker.StepInvoker {
	m.invMu.RLock()
	defer m.invMu.RUnlock()
	return m.inv
}

// RegisterProgram makes a compiled workflow available for runs.
func (m *Machine) RegisterProgram(prog *definition.Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[prog.Def.ID] = prog
}

// Program returns the compiled program for a workflow id.
func (m *Machine) Program(workflowID string) (*definition.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prog, ok := m.programs[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return prog, nil
}

// StartRun creates a run and activates it, honoring the workflow's
// concurrency limit: excess runs stay pending and start in creation
// order as slots free up.
func (m *Machine) StartRun(ctx context.Context, workflowID string, payload json.RawMessage, headers map[string]string, parentRunID, parentStepID string) (*store.Run, error) {
	prog, err := m.Program(workflowID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Status:         store.RunPending,
		Payload:        payload,
		TriggerHeaders: headers,
		ParentRunID:    parentRunID,
		ParentStepID:   parentStepID,
		StartedAt:      m.cfg.Clock.Now(),
	}
	if err := m.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	m.mu.Lock()
	limit := prog.Def.Concurrency
	if limit > 0 && m.active[workflowID] >= limit {
		m.waiting[workflowID] = append(m.waiting[workflowID], run)
		m.mu.Unlock()
		m.logger.Debug("run queued on concurrency limit",
			log.RunIDKey, run.ID, log.WorkflowKey, workflowID)
		return run, nil
	}
	m.active[workflowID]++
	m.mu.Unlock()

	m.activate(run, prog)
	return run, nil
}

// activate transitions a pending run to running and performs the first
// readiness walk.
func (m *Machine) activate(run *store.Run, prog *definition.Program) {
	rs := newRunState(run, prog)

	m.mu.Lock()
	m.runs[run.ID] = rs
	m.mu.Unlock()

	ctx := context.Background()
	run.Status = store.RunRunning
	if err := m.cfg.Store.UpdateRunStatus(ctx, run.ID, store.RunRunning, m.cfg.Clock.Now(), ""); err != nil {
		m.logger.Error("failed to mark run running", log.RunIDKey, run.ID, log.Error(err))
	}
	m.cfg.Metrics.RunStarted(run.WorkflowID)
	m.logger.Info("run started", log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowID)

	rs.mu.Lock()
	effects := m.advance(ctx, rs)
	rs.mu.Unlock()
	runEffects(effects)
}

// Recover reloads in-flight runs from the store and recomputes their
// readiness. Idempotent; steps that were running when the process died
// are re-dispatched (at-least-once execution).
func (m *Machine) Recover(ctx context.Context) error {
	runs, err := m.cfg.Store.ListPendingRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		prog, err := m.Program(run.WorkflowID)
		if err != nil {
			m.logger.Warn("skipping recovery of run for unregistered workflow",
				log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowID)
			continue
		}

		m.mu.Lock()
		limit := prog.Def.Concurrency
		if run.Status == store.RunPending && limit > 0 && m.active[run.WorkflowID] >= limit {
			m.waiting[run.WorkflowID] = append(m.waiting[run.WorkflowID], run)
			m.mu.Unlock()
			continue
		}
		m.active[run.WorkflowID]++
		m.mu.Unlock()

		if err := m.restore(ctx, run, prog); err != nil {
			m.logger.Error("failed to recover run", log.RunIDKey, run.ID, log.Error(err))
		}
	}
	return nil
}

// restore rebuilds a runState from persisted step states and pauses.
func (m *Machine) restore(ctx context.Context, run *store.Run, prog *definition.Program) error {
	rs := newRunState(run, prog)

	steps, err := m.cfg.Store.ListStepStates(ctx, run.ID)
	if err != nil {
		return err
	}
	rs.steps = steps

	// Rebuild resolved fan-out items from the parent's interim output.
	for id, st := range steps {
		if st.Status != store.StepRunning || len(st.Output) == 0 {
			continue
		}
		var interim struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(st.Output, &interim); err == nil && interim.Items != nil {
			rs.items[id] = interim.Items
		}
	}

	pauses, err := m.cfg.Store.ListPausesByRun(ctx, run.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.runs[run.ID] = rs
	m.mu.Unlock()

	if run.Status == store.RunPending {
		run.Status = store.RunRunning
		if err := m.cfg.Store.UpdateRunStatus(ctx, run.ID, store.RunRunning, m.cfg.Clock.Now(), ""); err != nil {
			return err
		}
	}

	rs.mu.Lock()
	for _, p := range pauses {
		rs.pauseTokens[p.StepID] = p.Token
		m.scheduleWake(rs, p)
	}
	effects := m.advance(ctx, rs)
	rs.mu.Unlock()
	runEffects(effects)

	m.logger.Info("run recovered", log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowID)
	return nil
}

// Stop puts the machine into shutdown mode: outcome reports caused by
// context cancellation are dropped so interrupted steps stay running in
// the store and re-execute on the next start.
func (m *Machine) Stop() {
	m.stopping.Store(true)
}

// Inspect returns a snapshot of a run and its step states, served from
// the store so finished runs remain inspectable.
func (m *Machine) Inspect(ctx context.Context, runID string) (*RunView, error) {
	run, err := m.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := m.cfg.Store.ListStepStates(ctx, runID)
	if err != nil {
		return nil, err
	}

	view := &RunView{Run: *run, Steps: make(map[string]store.StepState, len(steps))}
	for id, st := range steps {
		view.Steps[id] = *st
	}
	return view, nil
}

// CancelRun force-cancels a run: non-terminal steps become cancelled,
// pauses are removed, and in-flight invocations are aborted.
func (m *Machine) CancelRun(ctx context.Context, runID, reason string) error {
	rs := m.runState(runID)
	if rs == nil {
		// Not active; reject unless it exists and is already terminal.
		run, err := m.cfg.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		return m.cfg.Store.UpdateRunStatus(ctx, runID, store.RunCancelled, m.cfg.Clock.Now(), reason)
	}

	rs.mu.Lock()
	effects := m.finishRun(ctx, rs, store.RunCancelled, reason)
	rs.mu.Unlock()
	runEffects(effects)
	return nil
}

// HandleOutcome admits a dispatcher outcome into the run. Outcomes that
// fail the (status, attempt) guard are dropped as stale.
func (m *Machine) HandleOutcome(o dispatch.Outcome) {
	rs := m.runState(o.RunID)
	if rs == nil {
		return
	}

	// Error-handler consultation happens before taking the run lock:
	// handlers are user code.
	if o.Status == dispatch.OutcomeFailed {
		if res := m.consultErrorHandler(rs, o); res != nil {
			o.Status = dispatch.OutcomeSucceeded
			o.Output = res.Output
			o.Err = ""
		}
	}

	ctx := context.Background()
	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}

	st := rs.state(o.StepID)
	if st == nil || st.Status != store.StepRunning || st.Attempt != o.Attempt {
		rs.mu.Unlock()
		m.logger.Debug("stale outcome dropped",
			log.RunIDKey, o.RunID, log.StepIDKey, o.StepID, log.AttemptKey, o.Attempt)
		return
	}

	if m.stopping.Load() && o.Status == dispatch.OutcomeFailed && isCancellation(o.Err) {
		// Shutdown interrupted the invocation; leave the step running so
		// recovery re-executes it.
		rs.mu.Unlock()
		return
	}

	var effects []func()
	switch o.Status {
	case dispatch.OutcomeRetrying:
		m.admitRetry(ctx, rs, st, o)
	case dispatch.OutcomePaused:
		effects = m.admitPause(ctx, rs, st, o)
	case dispatch.OutcomeSucceeded:
		effects = m.admitSuccess(ctx, rs, st, o)
	case dispatch.OutcomeFailed:
		effects = m.admitFailure(ctx, rs, st, o)
	}
	rs.mu.Unlock()
	runEffects(effects)
}

// consultErrorHandler runs the invoker's error handler for steps marked
// onError. A successful handler result replaces the failure.
func (m *Machine) consultErrorHandler(rs *runState, o dispatch.Outcome) *invoker.Result {
	rs.mu.Lock()
	step := rs.prog.StepsByID[o.StepID]
	if step == nil || !step.OnError {
		rs.mu.Unlock()
		return nil
	}
	c := m.buildContext(rs, step, o.Attempt)
	rs.mu.Unlock()

	handler, ok := m.invoker().(invoker.ErrorHandler)
	if !ok {
		return nil
	}

	res, err := handler.HandleError(context.Background(), c, o.Err)
	if err != nil || res == nil || res.Status != invoker.StatusOK {
		return nil
	}
	m.logger.Info("error handler absorbed failure",
		log.RunIDKey, o.RunID, log.StepIDKey, o.StepID)
	return res
}

func (m *Machine) admitRetry(ctx context.Context, rs *runState, st *store.StepState, o dispatch.Outcome) {
	next := *st
	next.Attempt = o.Attempt + 1
	next.Error = o.Err
	next.NextRetryAt = o.NextRetryAt

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, o.Attempt, &next)
	if err != nil {
		m.logger.Error("failed to persist retry", log.StepIDKey, st.StepID, log.Error(err))
		return
	}
	if ok {
		*st = next
	}
}

func (m *Machine) admitSuccess(ctx context.Context, rs *runState, st *store.StepState, o dispatch.Outcome) []func() {
	// Item resolution keeps the parent running; children take over.
	if o.Kind == dispatch.JobResolveItems {
		return m.admitItems(ctx, rs, st, o)
	}

	next := *st
	next.Status = store.StepSucceeded
	next.Output = o.Output
	next.Error = ""
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, o.Attempt, &next)
	if err != nil {
		m.logger.Error("failed to persist success", log.StepIDKey, st.StepID, log.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	*st = next
	delete(rs.dispatched, st.StepID)

	if len(o.Output) > 0 && o.Kind == dispatch.JobAction {
		rs.run.LastOutput = o.Output
		if err := m.cfg.Store.SetRunOutput(ctx, rs.run.ID, o.Output); err != nil {
			m.logger.Error("failed to persist run output", log.RunIDKey, rs.run.ID, log.Error(err))
		}
	}

	return m.advance(ctx, rs)
}

// admitItems records a resolved item list and materializes the fan-out
// children. The parent stays running with the items as interim output.
func (m *Machine) admitItems(ctx context.Context, rs *runState, st *store.StepState, o dispatch.Outcome) []func() {
	interim, err := json.Marshal(struct {
		Items []json.RawMessage `json:"items"`
	}{Items: o.Items})
	if err != nil {
		interim = []byte(`{"items":[]}`)
	}

	next := *st
	next.Output = interim

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, o.Attempt, &next)
	if err != nil || !ok {
		return nil
	}
	*st = next
	rs.items[st.StepID] = o.Items

	return m.advance(ctx, rs)
}

func (m *Machine) admitFailure(ctx context.Context, rs *runState, st *store.StepState, o dispatch.Outcome) []func() {
	step := rs.prog.StepsByID[o.StepID]

	errMsg := o.Err
	if step != nil && step.Retry != nil && step.Retry.Attempts > 1 {
		re := &errors.RetryExhaustedError{
			StepID:   o.StepID,
			Attempts: o.Attempt,
			Cause:    goerrors.New(o.Err),
		}
		errMsg = re.Error()
	}

	next := *st
	next.Status = store.StepFailed
	next.Error = errMsg
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, o.Attempt, &next)
	if err != nil {
		m.logger.Error("failed to persist failure", log.StepIDKey, st.StepID, log.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	*st = next
	delete(rs.dispatched, st.StepID)

	m.logger.Warn("step failed",
		log.RunIDKey, rs.run.ID, log.StepIDKey, o.StepID,
		log.AttemptKey, o.Attempt, "error", o.Err)

	return m.advance(ctx, rs)
}

// SubflowFinished is called when a child run reaches a terminal state;
// the parent step adopts the child's result.
func (m *Machine) SubflowFinished(child *store.Run) {
	rs := m.runState(child.ParentRunID)
	if rs == nil {
		return
	}

	ctx := context.Background()
	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}
	st := rs.state(child.ParentStepID)
	if st == nil || st.Status != store.StepRunning {
		rs.mu.Unlock()
		return
	}

	next := *st
	next.CompletedAt = timePtr(m.cfg.Clock.Now())
	switch child.Status {
	case store.RunCompleted:
		next.Status = store.StepSucceeded
		next.Output = child.LastOutput
	case store.RunCancelled:
		next.Status = store.StepFailed
		next.Error = "subflow cancelled: " + child.Error
	default:
		next.Status = store.StepFailed
		next.Error = "subflow failed: " + child.Error
	}

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, st.Attempt, &next)
	if err != nil || !ok {
		rs.mu.Unlock()
		return
	}
	*st = next
	if next.Status == store.StepSucceeded && len(next.Output) > 0 {
		rs.run.LastOutput = next.Output
		_ = m.cfg.Store.SetRunOutput(ctx, rs.run.ID, next.Output)
	}

	effects := m.advance(ctx, rs)
	rs.mu.Unlock()
	runEffects(effects)
}

// finishRun transitions the run to a terminal status. Must hold rs.mu.
// Returned effects fire hooks and release the concurrency slot after
// the lock is dropped.
func (m *Machine) finishRun(ctx context.Context, rs *runState, status store.RunStatus, errMsg string) []func() {
	if rs.finished {
		return nil
	}
	rs.finished = true

	now := m.cfg.Clock.Now()

	// Steps never reached stay out of the way as skipped; in-flight or
	// paused steps become cancelled.
	for _, id := range rs.prog.ExecutableIDs() {
		st := rs.state(id)
		if st == nil {
			if status != store.RunCompleted {
				skipped := &store.StepState{
					RunID: rs.run.ID, StepID: id,
					Status: store.StepSkipped, CompletedAt: timePtr(now),
				}
				rs.steps[id] = skipped
				_ = m.cfg.Store.UpsertStepState(ctx, skipped)
			}
			continue
		}
		if !st.Status.Terminal() {
			st.Status = store.StepCancelled
			st.CompletedAt = timePtr(now)
			_ = m.cfg.Store.UpsertStepState(ctx, st)
		}
	}

	// Drop pauses and timers.
	for stepID, token := range rs.pauseTokens {
		if _, err := m.cfg.Store.DeletePause(ctx, token); err == nil {
			m.cfg.Metrics.PauseActive(-1)
		}
		delete(rs.pauseTokens, stepID)
	}
	for _, id := range rs.timers {
		m.cfg.Clock.Cancel(id)
	}
	rs.timers = nil

	rs.run.Status = status
	rs.run.Error = errMsg
	rs.run.CompletedAt = timePtr(now)
	if err := m.cfg.Store.UpdateRunStatus(ctx, rs.run.ID, status, now, errMsg); err != nil {
		m.logger.Error("failed to persist terminal run", log.RunIDKey, rs.run.ID, log.Error(err))
	}

	m.cfg.Metrics.RunCompleted(rs.run.WorkflowID, string(status))
	m.logger.Info("run finished",
		log.RunIDKey, rs.run.ID, log.WorkflowKey, rs.run.WorkflowID,
		"status", string(status), "error", errMsg)

	run := *rs.run
	ev := hooks.Event{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Output:     run.LastOutput,
		Error:      run.Error,
	}

	return []func(){func() {
		m.cfg.Sink.CancelRun(run.ID)

		switch status {
		case store.RunCompleted:
			m.cfg.Hooks.FireSuccess(ev)
		default:
			m.cfg.Hooks.FireFailure(ev)
		}

		if run.ParentRunID != "" {
			m.SubflowFinished(&run)
		}

		m.releaseSlot(run.WorkflowID)
		m.forgetRun(run.ID)
	}}
}

// releaseSlot frees a concurrency slot and starts the oldest waiting
// run, if any.
func (m *Machine) releaseSlot(workflowID string) {
	m.mu.Lock()
	if m.active[workflowID] > 0 {
		m.active[workflowID]--
	}

	queue := m.waiting[workflowID]
	if len(queue) == 0 {
		m.mu.Unlock()
		return
	}
	next := queue[0]
	m.waiting[workflowID] = queue[1:]
	prog := m.programs[workflowID]
	m.active[workflowID]++
	m.mu.Unlock()

	m.activate(next, prog)
}

func (m *Machine) forgetRun(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

func (m *Machine) runState(runID string) *runState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// buildContext assembles the invocation context for a step. Must hold
// rs.mu.
func (m *Machine) buildContext(rs *runState, step *definition.Step, attempt int) *invoker.Context {
	return &invoker.Context{
		RunID:          rs.run.ID,
		WorkflowID:     rs.run.WorkflowID,
		StepID:         step.ID,
		Attempt:        attempt,
		Payload:        rs.payloadMap(),
		Steps:          rs.stepOutputs(),
		LastOutput:     rs.run.LastOutput,
		TriggerHeaders: rs.run.TriggerHeaders,
		Services:       m.cfg.Services,
	}
}

func runEffects(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

func isCancellation(msg string) bool {
	return strings.Contains(msg, context.Canceled.Error())
}
