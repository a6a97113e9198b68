// Package definition contains the ingress schema for workflow definitions.
//
// A definition arrives as a JSON (or YAML) document, is validated, and is
// compiled into a typed program tree that the run state machine interprets.
// Definitions are immutable after registration.
package definition

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/pkg/errors"
)

// StepType distinguishes user action steps from control-flow steps.
type StepType string

const (
	// StepAction is a step executed through the StepInvoker.
	StepAction StepType = "action"

	// StepControl is a control-flow step interpreted by the engine.
	StepControl StepType = "control"
)

// ControlKind enumerates the control-flow step kinds.
type ControlKind string

const (
	KindIf           ControlKind = "if"
	KindElseIf       ControlKind = "elseIf"
	KindElse         ControlKind = "else"
	KindEndIf        ControlKind = "endIf"
	KindParallel     ControlKind = "parallel"
	KindRace         ControlKind = "race"
	KindForEach      ControlKind = "forEach"
	KindBatch        ControlKind = "batch"
	KindSleep        ControlKind = "sleep"
	KindWaitForEvent ControlKind = "waitForEvent"
	KindHuman        ControlKind = "human"
	KindCancel       ControlKind = "cancel"
	KindSubflow      ControlKind = "subflow"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	// BackoffFixed applies the same delay on every retry.
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffExponential doubles the delay on every retry.
	BackoffExponential BackoffStrategy = "exponential"
)

// Definition represents a registered workflow.
type Definition struct {
	// ID is the workflow identifier, unique within the engine.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable workflow name (optional).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description provides human-readable context about the workflow.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Concurrency caps simultaneous runs of this workflow (0 = unlimited).
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RateLimit throttles run starts with a leaky bucket (optional).
	RateLimit *RateLimit `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	// Steps are the executable units, in declaration order.
	Steps []Step `json:"steps" yaml:"steps"`

	// Triggers define how runs of this workflow are created.
	Triggers []Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`

	// CreatedAt is set when the definition is registered.
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
}

// RateLimit describes a leaky-bucket throttle on run starts.
// The dispatcher delays job starts to honor it; it never drops work.
type RateLimit struct {
	// RPS is the sustained runs-per-second rate.
	RPS float64 `json:"rps" yaml:"rps"`

	// Burst is the bucket capacity.
	Burst int `json:"burst" yaml:"burst"`
}

// Step is a node in the workflow graph.
type Step struct {
	// ID is unique within the workflow.
	ID string `json:"id" yaml:"id"`

	// Type is action or control.
	Type StepType `json:"type" yaml:"type"`

	// Kind names the control-flow behavior for control steps.
	Kind ControlKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// TimeoutMs bounds a single invocation attempt (0 = engine default).
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Retry configures retry behavior for this step.
	Retry *Retry `json:"retry,omitempty" yaml:"retry,omitempty"`

	// CacheKey enables result caching under the given key expression.
	CacheKey string `json:"cacheKey,omitempty" yaml:"cacheKey,omitempty"`

	// CacheTTLMs bounds how long a cached result is served.
	CacheTTLMs int `json:"cacheTtlMs,omitempty" yaml:"cacheTtlMs,omitempty"`

	// Breaker routes this step through a named circuit breaker.
	Breaker string `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	// ParallelGroupID groups sibling steps entered as a unit.
	ParallelGroupID string `json:"parallelGroupId,omitempty" yaml:"parallelGroupId,omitempty"`

	// ParallelStepCount is the declared sibling count for a group marker.
	ParallelStepCount int `json:"parallelStepCount,omitempty" yaml:"parallelStepCount,omitempty"`

	// Background marks the step's outcome as non-blocking for the run.
	Background bool `json:"background,omitempty" yaml:"background,omitempty"`

	// OnError declares that the invoker exposes an error handler for this
	// step. The handler runs in place of an exhausted failure and its
	// output replaces the step output.
	OnError bool `json:"onError,omitempty" yaml:"onError,omitempty"`

	// Extra carries kind-specific options (durationMs, eventName, cron,
	// expression, items, batchSize, workflowId, ...).
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`

	// Index is the position in the declaration order, set during parsing.
	Index int `json:"-" yaml:"-"`
}

// Retry configures retry behavior for a step.
type Retry struct {
	// Attempts is the maximum number of attempts, including the first.
	Attempts int `json:"attempts" yaml:"attempts"`

	// Strategy selects fixed or exponential backoff.
	Strategy BackoffStrategy `json:"strategy" yaml:"strategy"`

	// DelayMs is the base delay between attempts.
	DelayMs int `json:"delayMs" yaml:"delayMs"`

	// MaxBackoffMs caps the computed delay (0 = uncapped).
	MaxBackoffMs int `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty"`

	// Jitter applies +/-50% uniform jitter to each delay.
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`

	// IfExpr is an optional expression over {error} deciding whether a
	// failure is retriable. Empty retries any error.
	IfExpr string `json:"ifExpr,omitempty" yaml:"ifExpr,omitempty"`
}

// Trigger is a tagged union; exactly one member is non-nil.
type Trigger struct {
	Webhook  *WebhookTrigger  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Schedule *ScheduleTrigger `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Manual   *ManualTrigger   `json:"manual,omitempty" yaml:"manual,omitempty"`
	Event    *EventTrigger    `json:"event,omitempty" yaml:"event,omitempty"`
}

// WebhookTrigger creates a run from an HTTP webhook hit.
type WebhookTrigger struct {
	// Path is the webhook path, e.g. "/hooks/deploy".
	Path string `json:"path" yaml:"path"`

	// Method is the HTTP method (GET, POST, PUT, DELETE).
	Method string `json:"method" yaml:"method"`

	// RequiredHeaders maps header names to required values.
	RequiredHeaders map[string]string `json:"requiredHeaders,omitempty" yaml:"requiredHeaders,omitempty"`

	// IdempotencyKey is a jq expression extracting a dedupe key from the
	// payload. Duplicate keys within 24h return the original run id.
	IdempotencyKey string `json:"idempotencyKey,omitempty" yaml:"idempotencyKey,omitempty"`
}

// ScheduleTrigger creates runs on a cron schedule.
type ScheduleTrigger struct {
	// Cron is a standard 5-field cron expression.
	Cron string `json:"cron" yaml:"cron"`
}

// ManualTrigger allows explicit Trigger() calls.
type ManualTrigger struct{}

// EventTrigger creates a run when a matching event is published.
type EventTrigger struct {
	// Name is the event name to match.
	Name string `json:"name" yaml:"name"`
}

// validMethods for webhook triggers.
var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// cronParser validates 5-field cron expressions with @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses a workflow definition from JSON or YAML bytes, applies
// defaults, and validates it. Returns ErrValidation on malformed input.
func Parse(data []byte) (*Definition, error) {
	var def Definition

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, &errors.ValidationError{
				Field:      "definition",
				Message:    fmt.Sprintf("failed to parse workflow JSON: %v", err),
				Suggestion: "check the document against the workflow schema",
			}
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, &errors.ValidationError{
				Field:      "definition",
				Message:    fmt.Sprintf("failed to parse workflow YAML: %v", err),
				Suggestion: "check the document against the workflow schema",
			}
		}
	}

	def.applyDefaults()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// applyDefaults fills in positional indices and step type defaults.
func (d *Definition) applyDefaults() {
	for i := range d.Steps {
		step := &d.Steps[i]
		step.Index = i

		if step.Type == "" {
			if step.Kind != "" {
				step.Type = StepControl
			} else {
				step.Type = StepAction
			}
		}

		if step.Retry != nil && step.Retry.Strategy == "" {
			step.Retry.Strategy = BackoffFixed
		}
	}
}

// Validate checks the definition against the schema invariants. Control
// structure (if/endIf matching, parallel group shape) is checked by Compile.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "workflow id is required",
			Suggestion: "set a non-empty unique workflow id",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add at least one step to the workflow definition",
		}
	}

	if d.Concurrency < 0 {
		return &errors.ValidationError{
			Field:   "concurrency",
			Message: "concurrency must not be negative",
		}
	}

	if d.RateLimit != nil {
		if d.RateLimit.RPS <= 0 || d.RateLimit.Burst < 1 {
			return &errors.ValidationError{
				Field:   "rateLimit",
				Message: "rateLimit requires rps > 0 and burst >= 1",
			}
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:      "steps.id",
				Message:    fmt.Sprintf("step at index %d has no id", i),
				Suggestion: "add an 'id' field to each step",
			}
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:      "steps.id",
				Message:    fmt.Sprintf("duplicate step id: %s", step.ID),
				Suggestion: "ensure each step has a unique id",
			}
		}
		seen[step.ID] = true

		if err := step.validate(); err != nil {
			return err
		}
	}

	for i, trig := range d.Triggers {
		if err := trig.validate(); err != nil {
			return errors.Wrapf(err, "trigger %d", i)
		}
	}

	return nil
}

// validate checks a single step definition.
func (s *Step) validate() error {
	switch s.Type {
	case StepAction:
		if s.Kind != "" {
			return &errors.ValidationError{
				Field:   "steps.kind",
				Message: fmt.Sprintf("step %s: action steps must not declare a kind", s.ID),
			}
		}
	case StepControl:
		switch s.Kind {
		case KindIf, KindElseIf, KindElse, KindEndIf,
			KindParallel, KindRace, KindForEach, KindBatch,
			KindSleep, KindWaitForEvent, KindHuman, KindCancel, KindSubflow:
		default:
			return &errors.ValidationError{
				Field:   "steps.kind",
				Message: fmt.Sprintf("step %s: unknown control kind %q", s.ID, s.Kind),
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "steps.type",
			Message: fmt.Sprintf("step %s: invalid type %q", s.ID, s.Type),
		}
	}

	if s.TimeoutMs < 0 {
		return &errors.ValidationError{
			Field:   "steps.timeoutMs",
			Message: fmt.Sprintf("step %s: timeoutMs must not be negative", s.ID),
		}
	}

	if s.Retry != nil {
		if s.Retry.Attempts < 1 {
			return &errors.ValidationError{
				Field:   "steps.retry.attempts",
				Message: fmt.Sprintf("step %s: retry attempts must be at least 1", s.ID),
			}
		}
		if s.Retry.Strategy != BackoffFixed && s.Retry.Strategy != BackoffExponential {
			return &errors.ValidationError{
				Field:   "steps.retry.strategy",
				Message: fmt.Sprintf("step %s: strategy must be fixed or exponential", s.ID),
			}
		}
		if s.Retry.DelayMs < 0 || s.Retry.MaxBackoffMs < 0 {
			return &errors.ValidationError{
				Field:   "steps.retry",
				Message: fmt.Sprintf("step %s: retry delays must not be negative", s.ID),
			}
		}
	}

	switch s.Kind {
	case KindParallel, KindRace:
		if s.ParallelGroupID == "" || s.ParallelStepCount < 1 {
			return &errors.ValidationError{
				Field:   "steps.parallelGroupId",
				Message: fmt.Sprintf("step %s: %s marker requires parallelGroupId and parallelStepCount >= 1", s.ID, s.Kind),
			}
		}
	case KindSleep:
		if s.ExtraInt("durationMs") <= 0 {
			return &errors.ValidationError{
				Field:   "steps.extra.durationMs",
				Message: fmt.Sprintf("step %s: sleep requires extra.durationMs > 0", s.ID),
			}
		}
	case KindWaitForEvent:
		if s.ExtraString("eventName") == "" {
			return &errors.ValidationError{
				Field:   "steps.extra.eventName",
				Message: fmt.Sprintf("step %s: waitForEvent requires extra.eventName", s.ID),
			}
		}
	case KindSubflow:
		if s.ExtraString("workflowId") == "" {
			return &errors.ValidationError{
				Field:   "steps.extra.workflowId",
				Message: fmt.Sprintf("step %s: subflow requires extra.workflowId", s.ID),
			}
		}
	case KindBatch:
		if s.ExtraInt("batchSize") < 1 {
			return &errors.ValidationError{
				Field:   "steps.extra.batchSize",
				Message: fmt.Sprintf("step %s: batch requires extra.batchSize >= 1", s.ID),
			}
		}
	}

	return nil
}

// validate checks that the trigger union has exactly one member set.
func (t *Trigger) validate() error {
	count := 0
	if t.Webhook != nil {
		count++
	}
	if t.Schedule != nil {
		count++
	}
	if t.Manual != nil {
		count++
	}
	if t.Event != nil {
		count++
	}
	if count != 1 {
		return &errors.ValidationError{
			Field:   "triggers",
			Message: "trigger must set exactly one of webhook, schedule, manual, event",
		}
	}

	if t.Webhook != nil {
		if t.Webhook.Path == "" || !strings.HasPrefix(t.Webhook.Path, "/") {
			return &errors.ValidationError{
				Field:   "triggers.webhook.path",
				Message: "webhook path must start with /",
			}
		}
		if !validMethods[t.Webhook.Method] {
			return &errors.ValidationError{
				Field:      "triggers.webhook.method",
				Message:    fmt.Sprintf("invalid webhook method %q", t.Webhook.Method),
				Suggestion: "use GET, POST, PUT, or DELETE",
			}
		}
	}

	if t.Schedule != nil {
		if _, err := cronParser.Parse(t.Schedule.Cron); err != nil {
			return &errors.ValidationError{
				Field:      "triggers.schedule.cron",
				Message:    fmt.Sprintf("invalid cron expression %q: %v", t.Schedule.Cron, err),
				Suggestion: "use a standard 5-field cron expression",
			}
		}
	}

	if t.Event != nil && t.Event.Name == "" {
		return &errors.ValidationError{
			Field:   "triggers.event.name",
			Message: "event trigger requires a name",
		}
	}

	return nil
}

// ParseCron parses a 5-field cron expression into a schedule.
// Shared by trigger validation and the trigger registry.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Timeout returns the step timeout as a duration (0 if unset).
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ExtraString returns a string field from Extra, or "".
func (s *Step) ExtraString(key string) string {
	if s.Extra == nil {
		return ""
	}
	v, _ := s.Extra[key].(string)
	return v
}

// ExtraInt returns an integer field from Extra, accepting the numeric
// types JSON and YAML decoders produce. Returns 0 when absent.
func (s *Step) ExtraInt(key string) int {
	if s.Extra == nil {
		return 0
	}
	switch v := s.Extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ExtraDuration returns a millisecond field from Extra as a duration.
func (s *Step) ExtraDuration(key string) time.Duration {
	return time.Duration(s.ExtraInt(key)) * time.Millisecond
}

// Encode serializes the definition for persistence. Index is recomputed
// on load so the wire form stays minimal.
func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// Decode restores a persisted definition, recomputing derived fields.
func Decode(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("failed to decode stored workflow: %v", err),
		}
	}
	def.applyDefaults()
	return &def, nil
}
