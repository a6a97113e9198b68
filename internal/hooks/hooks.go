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

// Package hooks delivers run lifecycle notifications to registered
// callbacks.
package hooks

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/internal/log"
)

// Event describes a run lifecycle transition delivered to hooks.
type Event struct {
	RunID      string
	WorkflowID string
	Output     json.RawMessage
	Error      string
	// PauseToken is set for pause notifications.
	PauseToken string
	StepID     string
}

// Hook is a lifecycle callback. Hooks run synchronously on the run's
// state machine goroutine; long work belongs on the caller's side.
type Hook func(Event)

// Runner fans lifecycle events out to registered hooks. A hook that
// panics is logged and does not affect the run or other hooks.
type Runner struct {
	mu        sync.RWMutex
	onSuccess []Hook
	onFailure []Hook
	onPause   []Hook
	logger    *slog.Logger
}

// NewRunner creates a Runner logging hook panics to logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: log.WithComponent(logger, "hooks")}
}

// OnSuccess registers a hook fired once when a run completes.
func (r *Runner) OnSuccess(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSuccess = append(r.onSuccess, h)
}

// OnFailure registers a hook fired once when a run fails or is
// cancelled.
func (r *Runner) OnFailure(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = append(r.onFailure, h)
}

// OnPause registers a hook fired each time a run suspends on a human
// or event pause.
func (r *Runner) OnPause(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPause = append(r.onPause, h)
}

// FireSuccess delivers a completion event.
func (r *Runner) FireSuccess(ev Event) {
	r.fire("success", r.snapshot(&r.onSuccess), ev)
}

// FireFailure delivers a failure or cancellation event.
func (r *Runner) FireFailure(ev Event) {
	r.fire("failure", r.snapshot(&r.onFailure), ev)
}

// FirePause delivers a pause event.
func (r *Runner) FirePause(ev Event) {
	r.fire("pause", r.snapshot(&r.onPause), ev)
}

func (r *Runner) snapshot(hooks *[]Hook) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, len(*hooks))
	copy(out, *hooks)
	return out
}

func (r *Runner) fire(kind string, hooks []Hook, ev Event) {
	for _, h := range hooks {
		r.run(kind, h, ev)
	}
}

func (r *Runner) run(kind string, h Hook, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook panicked",
				log.EventKey, kind,
				log.RunIDKey, ev.RunID,
				log.WorkflowKey, ev.WorkflowID,
				"panic", rec)
		}
	}()
	h(ev)
}
