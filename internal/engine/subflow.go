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

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
)

// queueSubflowStart arranges the child run start after the lock drops.
// The parent step is already running; a failed start fails it.
func (m *Machine) queueSubflowStart(rs *runState, step *definition.Step, effects *[]func()) {
	workflowID := step.ExtraString("workflowId")
	payload := subflowPayload(rs, step)
	parentRunID, parentStepID := rs.run.ID, step.ID

	*effects = append(*effects, func() {
		m.startSubflow(parentRunID, parentStepID, workflowID, payload)
	})
}

// queueSubflowRecovery reconciles a subflow step that was running when
// the process died: adopt a terminal child, leave an active one to its
// own recovery, start one that never got created.
func (m *Machine) queueSubflowRecovery(rs *runState, step *definition.Step, effects *[]func()) {
	workflowID := step.ExtraString("workflowId")
	payload := subflowPayload(rs, step)
	parentRunID, parentStepID := rs.run.ID, step.ID

	*effects = append(*effects, func() {
		ctx := context.Background()
		child, err := m.cfg.Store.ChildRun(ctx, parentRunID, parentStepID)
		if err != nil {
			m.startSubflow(parentRunID, parentStepID, workflowID, payload)
			return
		}
		if child.Status.Terminal() {
			m.SubflowFinished(child)
		}
		// Active child: its own recovery notifies us when it finishes.
	})
}

func (m *Machine) startSubflow(parentRunID, parentStepID, workflowID string, payload json.RawMessage) {
	_, err := m.StartRun(context.Background(), workflowID, payload, nil, parentRunID, parentStepID)
	if err != nil {
		m.logger.Error("failed to start subflow",
			log.RunIDKey, parentRunID, log.StepIDKey, parentStepID,
			log.WorkflowKey, workflowID, log.Error(err))
		m.failStep(parentRunID, parentStepID, "subflow start failed: "+err.Error())
	}
}

// subflowPayload picks the child payload: an explicit extra.payload,
// else the parent's last output, else the parent's trigger payload.
// Must hold rs.mu.
func subflowPayload(rs *runState, step *definition.Step) json.RawMessage {
	if step.Extra != nil {
		if v, ok := step.Extra["payload"]; ok {
			if data, err := json.Marshal(v); err == nil {
				return data
			}
		}
	}
	if len(rs.run.LastOutput) > 0 {
		return rs.run.LastOutput
	}
	return rs.run.Payload
}

// failStep fails a running step from outside the dispatcher path, e.g.
// when a subflow cannot start.
func (m *Machine) failStep(runID, stepID, errMsg string) {
	rs := m.runState(runID)
	if rs == nil {
		return
	}

	ctx := context.Background()
	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}
	st := rs.state(stepID)
	if st == nil || st.Status != store.StepRunning {
		rs.mu.Unlock()
		return
	}

	next := *st
	next.Status = store.StepFailed
	next.Error = errMsg
	next.CompletedAt = timePtr(m.cfg.Clock.Now())

	ok, err := m.cfg.Store.CompareAndSetStepState(ctx, store.StepRunning, st.Attempt, &next)
	if err != nil || !ok {
		rs.mu.Unlock()
		return
	}
	*st = next

	effects := m.advance(ctx, rs)
	rs.mu.Unlock()
	runEffects(effects)
}
