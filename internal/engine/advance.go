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

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
)

// disposition is the walk's verdict on a node or sequence.
type disposition struct {
	status store.StepStatus
	err    string
}

func dispOf(status store.StepStatus) disposition {
	return disposition{status: status}
}

// advance recomputes readiness for the whole run: it walks the program,
// dispatches every step that became ready, and finishes the run when
// the walk reaches a terminal verdict. Must hold rs.mu; the returned
// effects run after the lock is released.
func (m *Machine) advance(ctx context.Context, rs *runState) []func() {
	if rs.finished {
		return nil
	}

	var effects []func()
	d := m.walkSeq(ctx, rs, rs.prog.Root, &effects)

	switch d.status {
	case store.StepSucceeded, store.StepSkipped:
		effects = append(effects, m.finishRun(ctx, rs, store.RunCompleted, "")...)
	case store.StepFailed:
		effects = append(effects, m.finishRun(ctx, rs, store.RunFailed, d.err)...)
	case store.StepCancelled:
		effects = append(effects, m.finishRun(ctx, rs, store.RunCancelled, d.err)...)
	case store.StepPaused:
		if rs.run.Status != store.RunPaused {
			rs.run.Status = store.RunPaused
			if err := m.cfg.Store.UpdateRunStatus(ctx, rs.run.ID, store.RunPaused, m.cfg.Clock.Now(), ""); err != nil {
				m.logger.Error("failed to mark run paused", log.RunIDKey, rs.run.ID, log.Error(err))
			}
		}
	default:
		if rs.run.Status == store.RunPaused {
			rs.run.Status = store.RunRunning
			if err := m.cfg.Store.UpdateRunStatus(ctx, rs.run.ID, store.RunRunning, m.cfg.Clock.Now(), ""); err != nil {
				m.logger.Error("failed to mark run running", log.RunIDKey, rs.run.ID, log.Error(err))
			}
		}
	}
	return effects
}

// walkSeq walks nodes in order. The sequence proceeds past a node only
// once it succeeded or was skipped; the first blocking or terminal
// verdict is returned.
func (m *Machine) walkSeq(ctx context.Context, rs *runState, nodes []*definition.Node, effects *[]func()) disposition {
	for _, n := range nodes {
		d := m.walkNode(ctx, rs, n, effects)
		switch d.status {
		case store.StepSucceeded, store.StepSkipped:
			continue
		default:
			return d
		}
	}
	return dispOf(store.StepSucceeded)
}

func (m *Machine) walkNode(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	switch n.Kind {
	case definition.NodeAction:
		return m.walkAction(ctx, rs, n.Step, effects)
	case definition.NodeCond:
		return m.walkCond(ctx, rs, n, effects)
	case definition.NodeGroup:
		return m.walkGroup(ctx, rs, n, effects)
	case definition.NodeForEach, definition.NodeBatch:
		return m.walkFanOut(ctx, rs, n, effects)
	case definition.NodeSleep, definition.NodeWait, definition.NodeHuman:
		return m.walkPause(ctx, rs, n, effects)
	case definition.NodeCancel:
		return m.walkCancel(ctx, rs, n.Step)
	case definition.NodeSubflow:
		return m.walkSubflow(ctx, rs, n.Step, effects)
	}
	return dispOf(store.StepSucceeded)
}

func (m *Machine) walkAction(ctx context.Context, rs *runState, step *definition.Step, effects *[]func()) disposition {
	switch rs.status(step.ID) {
	case store.StepPending:
		m.dispatchStep(ctx, rs, step, dispatch.JobAction, effects)
		if step.Background {
			return dispOf(store.StepSucceeded)
		}
		return dispOf(store.StepRunning)

	case store.StepRunning:
		m.redispatchIfLost(ctx, rs, step, dispatch.JobAction, effects)
		if step.Background {
			return dispOf(store.StepSucceeded)
		}
		return dispOf(store.StepRunning)

	case store.StepSucceeded:
		return dispOf(store.StepSucceeded)

	case store.StepFailed:
		if step.Background {
			// Background failures never fail the run.
			return dispOf(store.StepSucceeded)
		}
		return disposition{status: store.StepFailed, err: stepError(rs, step.ID)}

	case store.StepPaused:
		return dispOf(store.StepPaused)

	case store.StepCancelled:
		return disposition{status: store.StepCancelled, err: stepError(rs, step.ID)}

	default:
		return dispOf(store.StepSkipped)
	}
}

func (m *Machine) walkCond(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	for i, br := range n.Branches {
		if br.Cond == nil {
			// else arm: reached only when every condition was false.
			return m.walkSeq(ctx, rs, br.Body, effects)
		}

		switch rs.status(br.Cond.ID) {
		case store.StepPending:
			m.dispatchStep(ctx, rs, br.Cond, dispatch.JobCondition, effects)
			return dispOf(store.StepRunning)

		case store.StepRunning:
			m.redispatchIfLost(ctx, rs, br.Cond, dispatch.JobCondition, effects)
			return dispOf(store.StepRunning)

		case store.StepFailed:
			return disposition{status: store.StepFailed, err: stepError(rs, br.Cond.ID)}

		case store.StepCancelled:
			return disposition{status: store.StepCancelled, err: stepError(rs, br.Cond.ID)}

		case store.StepSucceeded:
			if condResult(rs.state(br.Cond.ID).Output) {
				m.skipBranchesAfter(ctx, rs, n, i)
				return m.walkSeq(ctx, rs, br.Body, effects)
			}
			// False: this arm's body is never taken.
			m.markSkipped(ctx, rs, br.Body)

		default:
			// Skipped condition: treat as false.
			m.markSkipped(ctx, rs, br.Body)
		}
	}
	// Every condition false and no else: the block completes as a no-op.
	return dispOf(store.StepSucceeded)
}

// skipBranchesAfter marks the conditions and bodies of the arms after
// the chosen one as skipped.
func (m *Machine) skipBranchesAfter(ctx context.Context, rs *runState, n *definition.Node, chosen int) {
	for j := chosen + 1; j < len(n.Branches); j++ {
		br := n.Branches[j]
		if br.Cond != nil {
			m.materializeSkipped(ctx, rs, br.Cond.ID)
		}
		m.markSkipped(ctx, rs, br.Body)
	}
}

func (m *Machine) walkGroup(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	var (
		allTerminal  = true
		anySucceeded bool
		firstErr     string
	)

	for _, sib := range n.Siblings {
		switch rs.status(sib.ID) {
		case store.StepPending:
			m.dispatchStep(ctx, rs, sib, dispatch.JobAction, effects)
			allTerminal = false
		case store.StepRunning:
			m.redispatchIfLost(ctx, rs, sib, dispatch.JobAction, effects)
			allTerminal = false
		case store.StepPaused:
			allTerminal = false
		case store.StepSucceeded:
			anySucceeded = true
		case store.StepFailed:
			if firstErr == "" {
				firstErr = stepError(rs, sib.ID)
			}
		}
	}

	if n.Race {
		if anySucceeded {
			// First success wins; the losers are cancelled and their late
			// outcomes rejected as stale.
			for _, sib := range n.Siblings {
				if st := rs.state(sib.ID); st != nil && !st.Status.Terminal() {
					st.Status = store.StepCancelled
					st.CompletedAt = timePtr(m.cfg.Clock.Now())
					if err := m.cfg.Store.UpsertStepState(ctx, st); err != nil {
						m.logger.Error("failed to cancel race sibling",
							log.StepIDKey, sib.ID, log.Error(err))
					}
				}
			}
			return dispOf(store.StepSucceeded)
		}
		if allTerminal {
			return disposition{status: store.StepFailed, err: firstErr}
		}
		return dispOf(store.StepRunning)
	}

	if !allTerminal {
		return dispOf(store.StepRunning)
	}
	if firstErr != "" {
		return disposition{status: store.StepFailed, err: firstErr}
	}
	return dispOf(store.StepSucceeded)
}

func (m *Machine) walkFanOut(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	step := n.Step

	switch rs.status(step.ID) {
	case store.StepPending:
		m.dispatchStep(ctx, rs, step, dispatch.JobResolveItems, effects)
		return dispOf(store.StepRunning)

	case store.StepSucceeded:
		return dispOf(store.StepSucceeded)
	case store.StepFailed:
		return disposition{status: store.StepFailed, err: stepError(rs, step.ID)}
	case store.StepCancelled:
		return disposition{status: store.StepCancelled, err: stepError(rs, step.ID)}
	case store.StepSkipped:
		return dispOf(store.StepSkipped)
	}

	// Running: items pending or children in flight.
	items, resolved := rs.items[step.ID]
	if !resolved {
		m.redispatchIfLost(ctx, rs, step, dispatch.JobResolveItems, effects)
		return dispOf(store.StepRunning)
	}

	total := len(items)
	if total == 0 {
		return m.completeFanOut(ctx, rs, step, nil)
	}

	limit := total
	if n.Kind == definition.NodeBatch {
		if size := step.ExtraInt("batchSize"); size > 0 {
			limit = size
		}
	} else if c := step.ExtraInt("concurrency"); c > 0 {
		limit = c
	}

	running := 0
	terminal := 0
	firstErr := ""
	for i := 0; i < total; i++ {
		st := rs.state(childID(step.ID, i))
		if st == nil {
			continue
		}
		switch st.Status {
		case store.StepSucceeded:
			terminal++
		case store.StepFailed, store.StepCancelled:
			terminal++
			if firstErr == "" {
				firstErr = st.Error
			}
		default:
			running++
		}
	}

	// Batches run strictly in order: a child may start only after every
	// earlier batch finished. For forEach, limit is a sliding window.
	for i := 0; i < total && running < limit; i++ {
		id := childID(step.ID, i)
		if rs.state(id) != nil {
			continue
		}
		if n.Kind == definition.NodeBatch && i >= batchBoundary(terminal, limit) {
			break
		}
		m.dispatchChild(ctx, rs, step, items, i, effects)
		running++
	}

	if terminal == total {
		if firstErr != "" {
			return m.failFanOut(ctx, rs, step, firstErr)
		}
		results := make([]json.RawMessage, total)
		for i := 0; i < total; i++ {
			results[i] = rs.state(childID(step.ID, i)).Output
		}
		return m.completeFanOut(ctx, rs, step, results)
	}
	return dispOf(store.StepRunning)
}

// batchBoundary returns the first index outside the currently open
// batch window.
func batchBoundary(started, size int) int {
	if size <= 0 {
		return started
	}
	return ((started / size) + 1) * size
}

func (m *Machine) completeFanOut(ctx context.Context, rs *runState, step *definition.Step, results []json.RawMessage) disposition {
	if results == nil {
		results = []json.RawMessage{}
	}
	output, err := json.Marshal(map[string]any{
		"results":    results,
		"totalItems": len(results),
	})
	if err != nil {
		output = []byte(`{"results":[],"totalItems":0}`)
	}

	st := rs.state(step.ID)
	next := *st
	next.Status = store.StepSucceeded
	next.Output = output
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, st.Attempt, &next)
	if err != nil || !ok {
		return dispOf(store.StepRunning)
	}
	*st = next
	rs.run.LastOutput = output
	if err := m.cfg.Store.SetRunOutput(ctx, rs.run.ID, output); err != nil {
		m.logger.Error("failed to persist run output", log.RunIDKey, rs.run.ID, log.Error(err))
	}
	return dispOf(store.StepSucceeded)
}

func (m *Machine) failFanOut(ctx context.Context, rs *runState, step *definition.Step, errMsg string) disposition {
	st := rs.state(step.ID)
	next := *st
	next.Status = store.StepFailed
	next.Error = errMsg
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, st.Attempt, &next)
	if err != nil || !ok {
		return dispOf(store.StepRunning)
	}
	*st = next
	return disposition{status: store.StepFailed, err: fmt.Sprintf("step %s: %s", step.ID, errMsg)}
}

func (m *Machine) walkCancel(ctx context.Context, rs *runState, step *definition.Step) disposition {
	if rs.state(step.ID) == nil {
		st := &store.StepState{
			RunID: rs.run.ID, StepID: step.ID, Attempt: 1,
			Status:      store.StepSucceeded,
			StartedAt:   timePtr(m.cfg.Clock.Now()),
			CompletedAt: timePtr(m.cfg.Clock.Now()),
		}
		rs.steps[step.ID] = st
		if err := m.cfg.Store.UpsertStepState(ctx, st); err != nil {
			m.logger.Error("failed to persist cancel step", log.StepIDKey, step.ID, log.Error(err))
		}
	}

	reason := step.ExtraString("reason")
	if reason == "" {
		reason = "cancelled by step " + step.ID
	}
	return disposition{status: store.StepCancelled, err: reason}
}

func (m *Machine) walkSubflow(ctx context.Context, rs *runState, step *definition.Step, effects *[]func()) disposition {
	switch rs.status(step.ID) {
	case store.StepPending:
		m.materializeRunning(ctx, rs, step.ID)
		rs.dispatched[step.ID] = true
		m.queueSubflowStart(rs, step, effects)
		return dispOf(store.StepRunning)

	case store.StepRunning:
		if !rs.dispatched[step.ID] {
			rs.dispatched[step.ID] = true
			m.queueSubflowRecovery(rs, step, effects)
		}
		return dispOf(store.StepRunning)

	case store.StepSucceeded:
		return dispOf(store.StepSucceeded)
	case store.StepFailed:
		return disposition{status: store.StepFailed, err: stepError(rs, step.ID)}
	case store.StepCancelled:
		return disposition{status: store.StepCancelled, err: stepError(rs, step.ID)}
	default:
		return dispOf(store.StepSkipped)
	}
}

// walkPause covers sleep, waitForEvent, and human steps: each creates a
// durable pause on first visit.
func (m *Machine) walkPause(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	step := n.Step
	switch rs.status(step.ID) {
	case store.StepPending:
		return m.createPause(ctx, rs, n, effects)
	case store.StepPaused:
		return dispOf(store.StepPaused)
	case store.StepSucceeded:
		return dispOf(store.StepSucceeded)
	case store.StepFailed:
		return disposition{status: store.StepFailed, err: stepError(rs, step.ID)}
	case store.StepCancelled:
		return disposition{status: store.StepCancelled, err: stepError(rs, step.ID)}
	default:
		return dispOf(store.StepSkipped)
	}
}

// dispatchStep transitions a pending step to running and queues its job.
func (m *Machine) dispatchStep(ctx context.Context, rs *runState, step *definition.Step, kind dispatch.JobKind, effects *[]func()) {
	m.materializeRunning(ctx, rs, step.ID)
	rs.dispatched[step.ID] = true

	job := m.buildJob(rs, step, kind, 1)
	*effects = append(*effects, func() {
		if err := m.cfg.Sink.Enqueue(job); err != nil {
			m.logger.Error("failed to enqueue job", log.StepIDKey, step.ID, log.Error(err))
		}
	})
}

// redispatchIfLost requeues a running step that has no in-flight job,
// the recovery path after a restart. Scheduled retries resume at their
// persisted nextRetryAt.
func (m *Machine) redispatchIfLost(ctx context.Context, rs *runState, step *definition.Step, kind dispatch.JobKind, effects *[]func()) {
	if rs.dispatched[step.ID] {
		return
	}
	st := rs.state(step.ID)
	rs.dispatched[step.ID] = true

	job := m.buildJob(rs, step, kind, st.Attempt)
	enqueue := func() {
		if err := m.cfg.Sink.Enqueue(job); err != nil {
			m.logger.Error("failed to enqueue job", log.StepIDKey, step.ID, log.Error(err))
		}
	}

	if st.NextRetryAt != nil {
		if wait := st.NextRetryAt.Sub(m.cfg.Clock.Now()); wait > 0 {
			*effects = append(*effects, func() {
				m.cfg.Clock.Schedule(wait, enqueue)
			})
			return
		}
	}
	*effects = append(*effects, enqueue)
}

func (m *Machine) buildJob(rs *runState, step *definition.Step, kind dispatch.JobKind, attempt int) *dispatch.Job {
	job := &dispatch.Job{
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		Step:       step,
		Attempt:    attempt,
		Kind:       kind,
		Ctx:        *m.buildContext(rs, step, attempt),
	}
	if kind == dispatch.JobCondition {
		job.Expression = step.ExtraString("expression")
	}
	return job
}

// dispatchChild materializes and queues one fan-out child.
func (m *Machine) dispatchChild(ctx context.Context, rs *runState, parent *definition.Step, items []json.RawMessage, i int, effects *[]func()) {
	step := childStep(parent, i)
	m.materializeRunning(ctx, rs, step.ID)
	rs.dispatched[step.ID] = true

	job := m.buildJob(rs, step, dispatch.JobAction, 1)
	var item any
	if err := json.Unmarshal(items[i], &item); err == nil {
		job.Ctx.Item = item
	}
	job.Ctx.ItemIndex = i
	job.Ctx.TotalItems = len(items)

	*effects = append(*effects, func() {
		if err := m.cfg.Sink.Enqueue(job); err != nil {
			m.logger.Error("failed to enqueue fan-out child", log.StepIDKey, step.ID, log.Error(err))
		}
	})
}

// materializeRunning creates the running step row for a first dispatch.
func (m *Machine) materializeRunning(ctx context.Context, rs *runState, stepID string) {
	st := &store.StepState{
		RunID: rs.run.ID, StepID: stepID, Attempt: 1,
		Status:    store.StepRunning,
		StartedAt: timePtr(m.cfg.Clock.Now()),
	}
	rs.steps[stepID] = st
	if err := m.cfg.Store.UpsertStepState(ctx, st); err != nil {
		m.logger.Error("failed to persist step start", log.StepIDKey, stepID, log.Error(err))
	}
}

// materializeSkipped records an unreached step as skipped, once.
func (m *Machine) materializeSkipped(ctx context.Context, rs *runState, stepID string) {
	if rs.state(stepID) != nil {
		return
	}
	st := &store.StepState{
		RunID: rs.run.ID, StepID: stepID,
		Status:      store.StepSkipped,
		CompletedAt: timePtr(m.cfg.Clock.Now()),
	}
	rs.steps[stepID] = st
	if err := m.cfg.Store.UpsertStepState(ctx, st); err != nil {
		m.logger.Error("failed to persist skipped step", log.StepIDKey, stepID, log.Error(err))
	}
}

// markSkipped marks every executable step under nodes as skipped.
func (m *Machine) markSkipped(ctx context.Context, rs *runState, nodes []*definition.Node) {
	collectExecutable(nodes, func(step *definition.Step) {
		m.materializeSkipped(ctx, rs, step.ID)
	})
}

// collectExecutable visits every step under nodes that acquires state
// during a run.
func collectExecutable(nodes []*definition.Node, visit func(*definition.Step)) {
	for _, n := range nodes {
		switch n.Kind {
		case definition.NodeCond:
			for _, br := range n.Branches {
				if br.Cond != nil {
					visit(br.Cond)
				}
				collectExecutable(br.Body, visit)
			}
		case definition.NodeGroup:
			for _, sib := range n.Siblings {
				visit(sib)
			}
		default:
			visit(n.Step)
		}
	}
}

// stepError renders a step failure for run-level error reporting.
func stepError(rs *runState, stepID string) string {
	st := rs.state(stepID)
	if st == nil || st.Error == "" {
		return fmt.Sprintf("step %s failed", stepID)
	}
	return fmt.Sprintf("step %s: %s", stepID, st.Error)
}

// condResult decodes a persisted condition output.
func condResult(output json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(output), []byte("true"))
}
