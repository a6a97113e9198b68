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

package store

import (
	"encoding/json"
	"time"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus represents the status of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepPaused    StepStatus = "paused"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Run is one execution of a workflow for a specific payload.
type Run struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       RunStatus       `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastOutput   json.RawMessage `json:"last_output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ParentRunID  string          `json:"parent_run_id,omitempty"`
	ParentStepID string          `json:"parent_step_id,omitempty"`
	// TriggerHeaders carries webhook headers for runs created by webhooks.
	TriggerHeaders map[string]string `json:"trigger_headers,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StepState is the persisted state of one step within a run.
type StepState struct {
	RunID       string          `json:"run_id"`
	StepID      string          `json:"step_id"`
	Attempt     int             `json:"attempt"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
}

// PauseKind names why a step is suspended.
type PauseKind string

const (
	PauseHuman PauseKind = "human"
	PauseEvent PauseKind = "event"
	PauseSleep PauseKind = "sleep"
)

// Pause is a durable record of a suspended step awaiting an external
// resume.
type Pause struct {
	Token     string          `json:"token"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Kind      PauseKind       `json:"kind"`
	EventName string          `json:"event_name,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// StateEntry is one namespaced key/value row.
type StateEntry struct {
	Namespace string     `json:"namespace"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Schedule is a persisted cron trigger with its next fire time.
type Schedule struct {
	TriggerID  string    `json:"trigger_id"`
	WorkflowID string    `json:"workflow_id"`
	Cron       string    `json:"cron"`
	NextFireAt time.Time `json:"next_fire_at"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}
