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

package dispatch

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/invoker"
)

// JobKind distinguishes what a worker does with a job.
type JobKind string

const (
	// JobAction invokes the step handler.
	JobAction JobKind = "action"
	// JobCondition evaluates a branch condition to a boolean.
	JobCondition JobKind = "condition"
	// JobResolveItems resolves the item list for a forEach or batch step.
	JobResolveItems JobKind = "resolveItems"
)

// Job is one unit of work handed to the worker pool.
type Job struct {
	RunID      string
	WorkflowID string
	Step       *definition.Step
	Attempt    int
	Kind       JobKind

	// Ctx is the invocation context visible to the step handler.
	Ctx invoker.Context

	// Expression holds the condition source for JobCondition jobs when
	// the step declares one; empty falls back to the invoker.
	Expression string
}

// OutcomeStatus is the result classification reported back to the run
// state machine.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomePaused    OutcomeStatus = "paused"
	// OutcomeRetrying means a retry was scheduled; the state machine
	// persists the bumped attempt and waits.
	OutcomeRetrying OutcomeStatus = "retrying"
)

// Outcome reports how a job ended. For OutcomeRetrying the dispatcher
// has already scheduled the re-enqueue; NextRetryAt is informational.
type Outcome struct {
	RunID      string
	WorkflowID string
	StepID     string
	Attempt    int
	Kind       JobKind
	Status     OutcomeStatus

	Output json.RawMessage
	Err    string

	// PauseKind is set when Status is OutcomePaused.
	PauseKind invoker.PauseKind

	// CondResult carries the branch decision for JobCondition jobs.
	CondResult bool

	// Items carries the resolved list for JobResolveItems jobs.
	Items []json.RawMessage

	NextRetryAt *time.Time
}

// Reporter receives outcomes on worker goroutines. Implementations must
// be safe for concurrent use.
type Reporter func(Outcome)
