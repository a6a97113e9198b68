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
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
)

// createPause suspends the run at a sleep, waitForEvent, or human step.
// Must hold rs.mu.
func (m *Machine) createPause(ctx context.Context, rs *runState, n *definition.Node, effects *[]func()) disposition {
	step := n.Step
	now := m.cfg.Clock.Now()

	p := &store.Pause{
		Token:     uuid.NewString(),
		RunID:     rs.run.ID,
		StepID:    step.ID,
		CreatedAt: now,
	}

	switch n.Kind {
	case definition.NodeSleep:
		p.Kind = store.PauseSleep
		wake := now.Add(step.ExtraDuration("durationMs"))
		p.ExpiresAt = &wake
	case definition.NodeWait:
		p.Kind = store.PauseEvent
		p.EventName = step.ExtraString("eventName")
		p.ExpiresAt = m.pauseDeadline(now, step)
	default:
		p.Kind = store.PauseHuman
		p.ExpiresAt = m.pauseDeadline(now, step)
	}

	st := &store.StepState{
		RunID: rs.run.ID, StepID: step.ID, Attempt: 1,
		Status:    store.StepPaused,
		StartedAt: timePtr(now),
	}
	rs.steps[step.ID] = st
	if err := m.cfg.Store.UpsertStepState(ctx, st); err != nil {
		m.logger.Error("failed to persist paused step", log.StepIDKey, step.ID, log.Error(err))
	}
	if err := m.cfg.Store.CreatePause(ctx, p); err != nil {
		m.logger.Error("failed to persist pause", log.StepIDKey, step.ID, log.Error(err))
	}

	rs.pauseTokens[step.ID] = p.Token
	m.cfg.Metrics.PauseActive(1)
	m.scheduleWake(rs, p)

	m.logger.Info("run paused",
		log.RunIDKey, rs.run.ID, log.StepIDKey, step.ID,
		"kind", string(p.Kind), "token", p.Token)

	// Sleeps are internal; only pauses awaiting an external actor fire
	// the hook.
	if p.Kind != store.PauseSleep {
		ev := hooks.Event{
			RunID:      rs.run.ID,
			WorkflowID: rs.run.WorkflowID,
			StepID:     step.ID,
			PauseToken: p.Token,
		}
		*effects = append(*effects, func() { m.cfg.Hooks.FirePause(ev) })
	}

	return dispOf(store.StepPaused)
}

// pauseDeadline computes the expiry for human/event pauses: the step's
// timeoutMs, else the engine default, else none.
func (m *Machine) pauseDeadline(now time.Time, step *definition.Step) *time.Time {
	if d := step.ExtraDuration("timeoutMs"); d > 0 {
		return timePtr(now.Add(d))
	}
	if m.cfg.DefaultPauseTTL > 0 {
		return timePtr(now.Add(m.cfg.DefaultPauseTTL))
	}
	return nil
}

// admitPause handles an invoker-initiated pause: a step handler returned
// a paused result mid-invocation. Must hold rs.mu; called from
// HandleOutcome.
func (m *Machine) admitPause(ctx context.Context, rs *runState, st *store.StepState, o dispatch.Outcome) []func() {
	now := m.cfg.Clock.Now()

	next := *st
	next.Status = store.StepPaused

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, o.Attempt, &next)
	if err != nil || !ok {
		return nil
	}
	*st = next
	delete(rs.dispatched, st.StepID)

	p := &store.Pause{
		Token:     uuid.NewString(),
		RunID:     rs.run.ID,
		StepID:    st.StepID,
		Kind:      store.PauseKind(o.PauseKind),
		CreatedAt: now,
	}
	if p.Kind == "" {
		p.Kind = store.PauseHuman
	}
	if step := rs.prog.StepsByID[st.StepID]; step != nil {
		p.ExpiresAt = m.pauseDeadline(now, step)
	} else if m.cfg.DefaultPauseTTL > 0 {
		p.ExpiresAt = timePtr(now.Add(m.cfg.DefaultPauseTTL))
	}

	if err := m.cfg.Store.CreatePause(ctx, p); err != nil {
		m.logger.Error("failed to persist pause", log.StepIDKey, st.StepID, log.Error(err))
	}
	rs.pauseTokens[st.StepID] = p.Token
	m.cfg.Metrics.PauseActive(1)
	m.scheduleWake(rs, p)

	ev := hooks.Event{
		RunID:      rs.run.ID,
		WorkflowID: rs.run.WorkflowID,
		StepID:     st.StepID,
		PauseToken: p.Token,
	}

	effects := m.advance(ctx, rs)
	return append(effects, func() { m.cfg.Hooks.FirePause(ev) })
}

// scheduleWake arms the clock callback for a pause deadline: sleeps wake
// into success, human/event pauses expire into failure. Must hold rs.mu.
func (m *Machine) scheduleWake(rs *runState, p *store.Pause) {
	if p.ExpiresAt == nil {
		return
	}
	wait := p.ExpiresAt.Sub(m.cfg.Clock.Now())
	if wait < 0 {
		wait = 0
	}

	runID, stepID, token := p.RunID, p.StepID, p.Token
	var id uint64
	if p.Kind == store.PauseSleep {
		id = m.cfg.Clock.Schedule(wait, func() { m.wakeSleep(runID, stepID, token) })
	} else {
		id = m.cfg.Clock.Schedule(wait, func() { m.expirePause(runID, stepID, token) })
	}
	rs.timers = append(rs.timers, id)
}

// wakeSleep completes a sleep step whose duration elapsed.
func (m *Machine) wakeSleep(runID, stepID, token string) {
	m.settlePause(runID, stepID, token, store.StepSucceeded, "", nil)
}

// expirePause fails a human/event pause whose deadline passed without a
// resume.
func (m *Machine) expirePause(runID, stepID, token string) {
	m.settlePause(runID, stepID, token, store.StepFailed,
		(&errors.PauseExpiredError{Token: token, ExpiredAt: m.cfg.Clock.Now()}).Error(), nil)
}

// settlePause transitions a paused step to a terminal status, deleting
// the pause record first. The delete doubles as the idempotency guard: a
// concurrent resume that already consumed the token wins.
func (m *Machine) settlePause(runID, stepID, token string, status store.StepStatus, errMsg string, output json.RawMessage) {
	ctx := context.Background()

	deleted, err := m.cfg.Store.DeletePause(ctx, token)
	if err != nil {
		m.logger.Error("failed to delete pause", log.RunIDKey, runID, log.Error(err))
		return
	}
	if !deleted {
		return
	}
	m.cfg.Metrics.PauseActive(-1)

	rs := m.runState(runID)
	if rs == nil {
		return
	}

	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}
	st := rs.state(stepID)
	if st == nil || st.Status != store.StepPaused || rs.pauseTokens[stepID] != token {
		rs.mu.Unlock()
		return
	}

	next := *st
	next.Status = status
	next.Error = errMsg
	if output != nil {
		next.Output = output
	}
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepPaused, st.Attempt, &next)
	if err != nil || !ok {
		rs.mu.Unlock()
		return
	}
	*st = next
	delete(rs.pauseTokens, stepID)

	if status == store.StepSucceeded && len(next.Output) > 0 {
		rs.run.LastOutput = next.Output
		_ = m.cfg.Store.SetRunOutput(ctx, rs.run.ID, next.Output)
	}

	effects := m.advance(ctx, rs)
	rs.mu.Unlock()
	runEffects(effects)
}

// Resume completes a paused step by token, recording the resume payload
// as the step output. A token is single-use: once consumed its pause
// record is deleted, so a second Resume returns ErrNotFound. Tokens
// past their deadline return ErrPauseExpired.
func (m *Machine) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	p, err := m.cfg.Store.GetPause(ctx, token)
	if err != nil {
		return err
	}

	now := m.cfg.Clock.Now()
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		// Late resume: the deadline already passed, settle as expired.
		m.expirePause(p.RunID, p.StepID, p.Token)
		return &errors.PauseExpiredError{Token: token, ExpiredAt: *p.ExpiresAt}
	}

	m.settlePause(p.RunID, p.StepID, p.Token, store.StepSucceeded, "", payload)
	return nil
}

// PublishEvent resumes every pause waiting on the named event, handing
// each the event payload. Returns the number of runs resumed.
func (m *Machine) PublishEvent(ctx context.Context, name string, payload json.RawMessage) (int, error) {
	pauses, err := m.cfg.Store.ListPausesByEvent(ctx, name)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, p := range pauses {
		if err := m.Resume(ctx, p.Token, payload); err != nil {
			m.logger.Warn("failed to resume on event",
				"event", name, log.RunIDKey, p.RunID, log.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// ExpireOverduePauses settles pauses whose deadline passed while the
// process was down. Called once after recovery; steady-state expiry is
// handled by the armed clock timers.
func (m *Machine) ExpireOverduePauses(ctx context.Context) error {
	pauses, err := m.cfg.Store.ListExpiredPauses(ctx, m.cfg.Clock.Now())
	if err != nil {
		return err
	}
	for _, p := range pauses {
		if p.Kind == store.PauseSleep {
			m.wakeSleep(p.RunID, p.StepID, p.Token)
		} else {
			m.expirePause(p.RunID, p.StepID, p.Token)
		}
	}
	return nil
}
