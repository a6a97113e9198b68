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

// Package errors defines the error values surfaced by the engine.
//
// Every public operation returns an error carrying a stable Kind tag so
// callers can match on the failure class without depending on concrete
// types or message text.
package errors

import (
	"fmt"
	"time"
)

// Kind is a stable tag identifying a class of failure.
type Kind string

const (
	// KindValidation tags malformed workflow definitions or trigger payloads.
	KindValidation Kind = "ErrValidation"

	// KindNotFound tags lookups of unknown workflows, runs, tokens, or steps.
	KindNotFound Kind = "ErrNotFound"

	// KindStepTimeout tags step invocations that exceeded their declared timeout.
	KindStepTimeout Kind = "ErrStepTimeout"

	// KindRetryExhausted tags final step failures after all retry attempts.
	KindRetryExhausted Kind = "ErrRetryExhausted"

	// KindBreakerOpen tags jobs routed to an open circuit breaker.
	KindBreakerOpen Kind = "ErrBreakerOpen"

	// KindPauseExpired tags resume attempts on a pause past its deadline.
	KindPauseExpired Kind = "ErrPauseExpired"

	// KindCancelled tags caller-initiated cancellation.
	KindCancelled Kind = "ErrCancelled"

	// KindStore tags persistence failures.
	KindStore Kind = "ErrStore"

	// KindTypeMismatch tags numeric operations on non-numeric KV values.
	KindTypeMismatch Kind = "ErrTypeMismatch"
)

// ValidationError represents user input validation failures.
// Use this for malformed definitions, invalid trigger payloads, or
// constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind returns the stable error kind tag.
func (e *ValidationError) Kind() Kind { return KindValidation }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "pause")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind returns the stable error kind tag.
func (e *NotFoundError) Kind() Kind { return KindNotFound }

// TimeoutError represents a step invocation exceeding its declared timeout.
type TimeoutError struct {
	// RunID identifies the run the step belongs to
	RunID string

	// StepID identifies the step that timed out
	StepID string

	// Timeout is the declared limit that was exceeded
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v", e.StepID, e.Timeout)
}

// Kind returns the stable error kind tag.
func (e *TimeoutError) Kind() Kind { return KindStepTimeout }

// RetryExhaustedError represents a final step failure after all attempts.
type RetryExhaustedError struct {
	// StepID identifies the failed step
	StepID string

	// Attempts is the number of attempts made, including the first
	Attempts int

	// Cause is the error from the last attempt
	Cause error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// Kind returns the stable error kind tag.
func (e *RetryExhaustedError) Kind() Kind { return KindRetryExhausted }

// BreakerOpenError represents a job routed to an open circuit breaker.
type BreakerOpenError struct {
	// Breaker is the named breaker that rejected the job
	Breaker string
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Breaker)
}

// Kind returns the stable error kind tag.
func (e *BreakerOpenError) Kind() Kind { return KindBreakerOpen }

// PauseExpiredError represents a resume attempt on an expired pause.
type PauseExpiredError struct {
	// Token is the pause token that expired
	Token string

	// ExpiredAt is when the pause deadline passed
	ExpiredAt time.Time
}

// Error implements the error interface.
func (e *PauseExpiredError) Error() string {
	return fmt.Sprintf("pause %s expired at %s", e.Token, e.ExpiredAt.Format(time.RFC3339))
}

// Kind returns the stable error kind tag.
func (e *PauseExpiredError) Kind() Kind { return KindPauseExpired }

// CancelledError represents caller-initiated cancellation of a run or step.
type CancelledError struct {
	// RunID identifies the cancelled run
	RunID string

	// Reason is the optional caller-supplied reason
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s cancelled: %s", e.RunID, e.Reason)
	}
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// Kind returns the stable error kind tag.
func (e *CancelledError) Kind() Kind { return KindCancelled }

// StoreError represents a persistence failure. Callers must not assume
// partial success after observing one.
type StoreError struct {
	// Op describes the failed store operation (e.g., "upsert step state")
	Op string

	// Cause is the underlying database error
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error { return e.Cause }

// Kind returns the stable error kind tag.
func (e *StoreError) Kind() Kind { return KindStore }

// TypeMismatchError represents a numeric operation on a non-numeric KV value.
type TypeMismatchError struct {
	// Namespace is the KV namespace of the offending entry
	Namespace string

	// Key is the key holding the non-numeric value
	Key string
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("value at %s/%s is not numeric", e.Namespace, e.Key)
}

// Kind returns the stable error kind tag.
func (e *TypeMismatchError) Kind() Kind { return KindTypeMismatch }
