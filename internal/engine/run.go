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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
)

// runState is the in-memory state of one active run. All fields behind
// mu; the mutex is never held across invoker I/O.
type runState struct {
	mu   sync.Mutex
	run  *store.Run
	prog *definition.Program

	// steps holds every materialized step state, including synthetic
	// fan-out children ("id[i]").
	steps map[string]*store.StepState

	// items holds resolved forEach/batch item lists by parent step id.
	items map[string][]json.RawMessage

	// dispatched marks steps with an in-flight job, so re-entrant
	// advances do not double-dispatch.
	dispatched map[string]bool

	// pauseTokens maps paused step ids to their resume tokens.
	pauseTokens map[string]string

	// timers are this run's scheduled clock callbacks (sleep wakes,
	// pause expiries), cancelled when the run finishes.
	timers []uint64

	finished bool
}

func newRunState(run *store.Run, prog *definition.Program) *runState {
	return &runState{
		run:         run,
		prog:        prog,
		steps:       make(map[string]*store.StepState),
		items:       make(map[string][]json.RawMessage),
		dispatched:  make(map[string]bool),
		pauseTokens: make(map[string]string),
	}
}

// state returns the step state for id, or nil when the step has not been
// materialized yet (pending).
func (rs *runState) state(id string) *store.StepState {
	return rs.steps[id]
}

// status returns a step's status, defaulting to pending for
// unmaterialized steps.
func (rs *runState) status(id string) store.StepStatus {
	if st := rs.steps[id]; st != nil {
		return st.Status
	}
	return store.StepPending
}

// stepOutputs collects the outputs of all succeeded steps.
func (rs *runState) stepOutputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for id, st := range rs.steps {
		if st.Status == store.StepSucceeded && len(st.Output) > 0 {
			out[id] = st.Output
		}
	}
	return out
}

// payloadMap decodes the run payload for handler contexts.
func (rs *runState) payloadMap() map[string]any {
	if len(rs.run.Payload) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(rs.run.Payload, &m); err != nil {
		return nil
	}
	return m
}

// childID names the i-th fan-out child of a step.
func childID(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}

// childStep synthesizes the definition of a fan-out child. Children
// inherit the parent's retry, timeout, and breaker configuration.
func childStep(parent *definition.Step, i int) *definition.Step {
	return &definition.Step{
		ID:        childID(parent.ID, i),
		Type:      definition.StepAction,
		TimeoutMs: parent.TimeoutMs,
		Retry:     parent.Retry,
		Breaker:   parent.Breaker,
		Extra:     parent.Extra,
	}
}

// RunView is the inspection snapshot returned by Inspect.
type RunView struct {
	Run   store.Run                  `json:"run"`
	Steps map[string]store.StepState `json:"steps"`
}

// StepIDs returns the view's step ids in stable order.
func (v *RunView) StepIDs() []string {
	ids := make([]string, 0, len(v.Steps))
	for id := range v.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func timePtr(t time.Time) *time.Time {
	return &t
}
