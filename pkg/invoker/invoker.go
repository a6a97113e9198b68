// Package invoker defines the boundary between the engine and user-written
// step handlers. The engine owns the state graph and persistence; the
// invoker owns user-code execution. Context serialization is a boundary
// detail: outputs cross as opaque JSON.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
)

// Status is the outcome class reported by an invocation.
type Status string

const (
	// StatusOK marks a successful invocation.
	StatusOK Status = "ok"

	// StatusErr marks a failed invocation.
	StatusErr Status = "err"

	// StatusPaused marks an invocation that suspended the step.
	StatusPaused Status = "paused"
)

// PauseKind names why a step suspended.
type PauseKind string

const (
	PauseHuman PauseKind = "human"
	PauseEvent PauseKind = "event"
	PauseSleep PauseKind = "sleep"
)

// Context is the serialized run context handed to each invocation.
// Invocations must honor cancellation of the supplied context.Context.
type Context struct {
	// RunID identifies the run.
	RunID string `json:"runId"`

	// WorkflowID identifies the workflow.
	WorkflowID string `json:"workflowId"`

	// StepID identifies the step being invoked. For fan-out children the
	// id carries the item suffix, e.g. "fetch[2]".
	StepID string `json:"stepId"`

	// Attempt is the 1-based attempt counter.
	Attempt int `json:"attempt"`

	// Payload is the triggering payload.
	Payload map[string]any `json:"payload,omitempty"`

	// Steps maps completed step ids to their outputs.
	Steps map[string]json.RawMessage `json:"steps,omitempty"`

	// LastOutput is the output of the most recently completed step.
	LastOutput json.RawMessage `json:"lastOutput,omitempty"`

	// TriggerHeaders carries webhook headers when the run was created by
	// a webhook trigger.
	TriggerHeaders map[string]string `json:"triggerHeaders,omitempty"`

	// Services is opaque integration data configured on the engine.
	Services map[string]any `json:"services,omitempty"`

	// Item, ItemIndex, and TotalItems are set for forEach/batch children.
	Item       any `json:"item,omitempty"`
	ItemIndex  int `json:"itemIndex,omitempty"`
	TotalItems int `json:"totalItems,omitempty"`
}

// Result is what an invocation reports back.
type Result struct {
	// Status classifies the outcome.
	Status Status `json:"status"`

	// Output is the step output for ok results, opaque to the engine.
	Output json.RawMessage `json:"output,omitempty"`

	// Err is the failure message for err results.
	Err string `json:"error,omitempty"`

	// CacheKey optionally overrides the step's declared cache key.
	CacheKey string `json:"cacheKey,omitempty"`

	// PauseKind names the suspension reason for paused results.
	PauseKind PauseKind `json:"pauseKind,omitempty"`
}

// StepInvoker executes user step handlers. Implementations must be safe
// for concurrent use; the dispatcher invokes from many workers.
type StepInvoker interface {
	// Invoke runs the handler for an action step.
	Invoke(ctx context.Context, c *Context) (*Result, error)

	// EvaluateCondition evaluates an if/elseIf condition that has no
	// declared expression.
	EvaluateCondition(ctx context.Context, c *Context) (bool, error)

	// ResolveItems resolves the iteration source for forEach/batch steps.
	ResolveItems(ctx context.Context, c *Context) ([]any, error)
}

// ErrorHandler is optionally implemented by invokers that expose onError
// handlers. The handler runs in place of an exhausted step failure; its
// output replaces the step output. If it returns an error, failure
// propagation resumes.
type ErrorHandler interface {
	HandleError(ctx context.Context, c *Context, cause string) (*Result, error)
}

// Funcs is a function-backed StepInvoker, convenient for tests and small
// embeddings.
type Funcs struct {
	InvokeFunc    func(ctx context.Context, c *Context) (*Result, error)
	ConditionFunc func(ctx context.Context, c *Context) (bool, error)
	ItemsFunc     func(ctx context.Context, c *Context) ([]any, error)
	ErrorFunc     func(ctx context.Context, c *Context, cause string) (*Result, error)
}

// Invoke implements StepInvoker.
func (f *Funcs) Invoke(ctx context.Context, c *Context) (*Result, error) {
	if f.InvokeFunc == nil {
		return &Result{Status: StatusOK}, nil
	}
	return f.InvokeFunc(ctx, c)
}

// EvaluateCondition implements StepInvoker.
func (f *Funcs) EvaluateCondition(ctx context.Context, c *Context) (bool, error) {
	if f.ConditionFunc == nil {
		return false, nil
	}
	return f.ConditionFunc(ctx, c)
}

// ResolveItems implements StepInvoker.
func (f *Funcs) ResolveItems(ctx context.Context, c *Context) ([]any, error) {
	if f.ItemsFunc == nil {
		return nil, nil
	}
	return f.ItemsFunc(ctx, c)
}

// HandleError implements ErrorHandler.
func (f *Funcs) HandleError(ctx context.Context, c *Context, cause string) (*Result, error) {
	if f.ErrorFunc == nil {
		return nil, errNoHandler
	}
	return f.ErrorFunc(ctx, c, cause)
}

var errNoHandler = errors.New("no error handler registered")

// OK builds a successful result with the given output value, marshaled to
// JSON. Marshal failures degrade to a null output.
func OK(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("null")
	}
	return &Result{Status: StatusOK, Output: data}
}

// Fail builds a failed result with the given message.
func Fail(msg string) *Result {
	return &Result{Status: StatusErr, Err: msg}
}
