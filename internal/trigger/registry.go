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

// Package trigger routes external stimuli into runs: webhooks, cron
// schedules, manual triggers, and published events. The registry owns
// trigger matching and webhook deduplication; run creation is delegated
// to the engine.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/statekv"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
)

// idempotencyTTL is how long a webhook dedupe key maps to its original
// run.
const idempotencyTTL = 24 * time.Hour

// Runner is the engine surface the registry drives.
type Runner interface {
	StartRun(ctx context.Context, workflowID string, payload json.RawMessage, headers map[string]string, parentRunID, parentStepID string) (*store.Run, error)
	Resume(ctx context.Context, token string, payload json.RawMessage) error
	PublishEvent(ctx context.Context, name string, payload json.RawMessage) (int, error)
}

// Config wires the registry's collaborators.
type Config struct {
	Store   *store.Store
	KV      *statekv.Manager
	Clock   clock.Clock
	Runner  Runner
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CronEnabled arms schedule triggers. Disabled registries still
	// persist nextFireAt for inspection.
	CronEnabled bool
}

// webhookBinding is one registered webhook route.
type webhookBinding struct {
	workflowID string
	trig       definition.WebhookTrigger
	keyCode    *gojq.Code
}

// cronEntry is one armed schedule trigger.
type cronEntry struct {
	workflowID string
	expr       string
	sched      cron.Schedule
	timer      uint64
	armed      bool
}

// Registry matches incoming triggers to workflows.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	webhooks map[string][]*webhookBinding
	events   map[string][]string
	crons    map[string]*cronEntry
	started  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   log.WithComponent(cfg.Logger, "trigger"),
		webhooks: make(map[string][]*webhookBinding),
		events:   make(map[string][]string),
		crons:    make(map[string]*cronEntry),
	}
}

// routeKey normalizes a webhook route for lookup.
func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Register installs a workflow's triggers. Schedule triggers arm
// immediately when the registry is started.
func (r *Registry) Register(ctx context.Context, def *definition.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range def.Triggers {
		switch {
		case t.Webhook != nil:
			b := &webhookBinding{workflowID: def.ID, trig: *t.Webhook}
			if expr := t.Webhook.IdempotencyKey; expr != "" {
				query, err := gojq.Parse(expr)
				if err != nil {
					return &errors.ValidationError{
						Field:   "triggers.webhook.idempotencyKey",
						Message: fmt.Sprintf("invalid jq expression %q: %v", expr, err),
					}
				}
				code, err := gojq.Compile(query)
				if err != nil {
					return &errors.ValidationError{
						Field:   "triggers.webhook.idempotencyKey",
						Message: fmt.Sprintf("jq compilation failed for %q: %v", expr, err),
					}
				}
				b.keyCode = code
			}
			key := routeKey(t.Webhook.Method, t.Webhook.Path)
			r.webhooks[key] = append(r.webhooks[key], b)

		case t.Schedule != nil:
			sched, err := definition.ParseCron(t.Schedule.Cron)
			if err != nil {
				return &errors.ValidationError{
					Field:   "triggers.schedule.cron",
					Message: err.Error(),
				}
			}
			triggerID := def.ID + "#" + strconv.Itoa(i)
			entry := &cronEntry{workflowID: def.ID, expr: t.Schedule.Cron, sched: sched}
			r.crons[triggerID] = entry

			next := sched.Next(r.cfg.Clock.Now())
			if err := r.cfg.Store.UpsertSchedule(ctx, &store.Schedule{
				TriggerID:  triggerID,
				WorkflowID: def.ID,
				Cron:       t.Schedule.Cron,
				NextFireAt: next,
			}); err != nil {
				return err
			}
			if r.started && r.cfg.CronEnabled {
				r.armLocked(triggerID, entry, next)
			}

		case t.Event != nil:
			r.events[t.Event.Name] = append(r.events[t.Event.Name], def.ID)

		case t.Manual != nil:
			// Manual triggers need no routing state; Trigger() accepts any
			// registered workflow.
		}
	}
	return nil
}

// Unregister removes a workflow's triggers and disarms its schedules.
func (r *Registry) Unregister(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, bindings := range r.webhooks {
		kept := bindings[:0]
		for _, b := range bindings {
			if b.workflowID != workflowID {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(r.webhooks, key)
		} else {
			r.webhooks[key] = kept
		}
	}

	for name, ids := range r.events {
		kept := ids[:0]
		for _, id := range ids {
			if id != workflowID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(r.events, name)
		} else {
			r.events[name] = kept
		}
	}

	for id, entry := range r.crons {
		if entry.workflowID != workflowID {
			continue
		}
		if entry.armed {
			r.cfg.Clock.Cancel(entry.timer)
		}
		delete(r.crons, id)
	}

	return r.cfg.Store.DeleteSchedulesForWorkflow(ctx, workflowID)
}

// Start arms all registered schedule triggers. Fires missed while the
// process was down are lost; the next fire is computed from now.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = true
	if !r.cfg.CronEnabled {
		return nil
	}

	now := r.cfg.Clock.Now()
	for triggerID, entry := range r.crons {
		next := entry.sched.Next(now)
		if err := r.cfg.Store.UpdateScheduleNextFire(ctx, triggerID, next); err != nil {
			r.logger.Warn("failed to persist next fire", log.TriggerKey, triggerID, log.Error(err))
		}
		r.armLocked(triggerID, entry, next)
	}
	return nil
}

// Stop disarms all schedule timers.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = false
	for _, entry := range r.crons {
		if entry.armed {
			r.cfg.Clock.Cancel(entry.timer)
			entry.armed = false
		}
	}
}

// armLocked schedules the next cron fire. Must hold r.mu.
func (r *Registry) armLocked(triggerID string, entry *cronEntry, next time.Time) {
	wait := next.Sub(r.cfg.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	entry.timer = r.cfg.Clock.Schedule(wait, func() { r.fireCron(triggerID) })
	entry.armed = true
}

// fireCron starts a run for a due schedule and re-arms it.
func (r *Registry) fireCron(triggerID string) {
	r.mu.Lock()
	entry, ok := r.crons[triggerID]
	if !ok || !r.started {
		r.mu.Unlock()
		return
	}
	workflowID, expr := entry.workflowID, entry.expr
	next := entry.sched.Next(r.cfg.Clock.Now())
	r.armLocked(triggerID, entry, next)
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.cfg.Store.UpdateScheduleNextFire(ctx, triggerID, next); err != nil {
		r.logger.Warn("failed to persist next fire", log.TriggerKey, triggerID, log.Error(err))
	}

	payload, _ := json.Marshal(map[string]any{
		"cron":    expr,
		"firedAt": r.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
	run, err := r.cfg.Runner.StartRun(ctx, workflowID, payload, nil, "", "")
	if err != nil {
		r.logger.Error("cron trigger failed to start run",
			log.TriggerKey, triggerID, log.WorkflowKey, workflowID, log.Error(err))
		return
	}
	r.cfg.Metrics.TriggerFired("cron")
	r.logger.Info("cron trigger fired",
		log.TriggerKey, triggerID, log.WorkflowKey, workflowID, log.RunIDKey, run.ID)
}

// HandleWebhook matches an incoming webhook to a registered route and
// starts a run. Returns the run and true when an idempotency key mapped
// to an existing run instead of creating a new one.
func (r *Registry) HandleWebhook(ctx context.Context, method, path string, headers map[string]string, body []byte) (*store.Run, bool, error) {
	r.mu.RLock()
	bindings := r.webhooks[routeKey(method, path)]
	r.mu.RUnlock()

	if len(bindings) == 0 {
		return nil, false, &errors.NotFoundError{Resource: "webhook", ID: routeKey(method, path)}
	}

	var matched *webhookBinding
	for _, b := range bindings {
		if headersMatch(b.trig.RequiredHeaders, headers) {
			matched = b
			break
		}
	}
	if matched == nil {
		return nil, false, &errors.ValidationError{
			Field:      "headers",
			Message:    "webhook request is missing required headers",
			Suggestion: "send the headers declared on the webhook trigger",
		}
	}

	var payload json.RawMessage
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}

	var dedupeKey string
	if matched.keyCode != nil {
		key, err := r.extractKey(matched.keyCode, payload)
		if err != nil {
			return nil, false, err
		}
		dedupeKey = matched.workflowID + "/" + key

		var existingID string
		if err := r.cfg.KV.Idempotency().Get(ctx, dedupeKey, &existingID); err == nil {
			run, err := r.cfg.Store.GetRun(ctx, existingID)
			if err == nil {
				r.logger.Info("webhook deduplicated",
					log.WorkflowKey, matched.workflowID, log.RunIDKey, existingID)
				return run, true, nil
			}
			// The original run was purged; fall through and start fresh.
		}
	}

	run, err := r.cfg.Runner.StartRun(ctx, matched.workflowID, payload, headers, "", "")
	if err != nil {
		return nil, false, err
	}

	if dedupeKey != "" {
		if err := r.cfg.KV.Idempotency().Set(ctx, dedupeKey, run.ID, idempotencyTTL); err != nil {
			r.logger.Warn("failed to record idempotency key",
				log.WorkflowKey, matched.workflowID, log.Error(err))
		}
	}

	r.cfg.Metrics.TriggerFired("webhook")
	return run, false, nil
}

// extractKey runs the compiled jq extractor over the webhook payload.
func (r *Registry) extractKey(code *gojq.Code, payload json.RawMessage) (string, error) {
	var input any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			return "", &errors.ValidationError{
				Field:   "payload",
				Message: "webhook payload is not valid JSON: " + err.Error(),
			}
		}
	}

	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", &errors.ValidationError{
			Field:   "triggers.webhook.idempotencyKey",
			Message: "idempotency key expression produced no value",
		}
	}
	if err, isErr := v.(error); isErr {
		return "", &errors.ValidationError{
			Field:   "triggers.webhook.idempotencyKey",
			Message: "idempotency key extraction failed: " + err.Error(),
		}
	}
	if s, isStr := v.(string); isStr {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// headersMatch reports whether every required header is present with the
// expected value.
func headersMatch(required, got map[string]string) bool {
	for name, want := range required {
		if got[name] != want {
			return false
		}
	}
	return true
}

// Trigger starts a run directly (the manual trigger path).
func (r *Registry) Trigger(ctx context.Context, workflowID string, payload json.RawMessage) (*store.Run, error) {
	run, err := r.cfg.Runner.StartRun(ctx, workflowID, payload, nil, "", "")
	if err != nil {
		return nil, err
	}
	r.cfg.Metrics.TriggerFired("manual")
	return run, nil
}

// PublishEvent resumes waiters on the event and starts runs for
// workflows with a matching event trigger. Events are fire-and-forget:
// nothing is buffered for future subscribers. Returns resumed and
// started counts.
func (r *Registry) PublishEvent(ctx context.Context, name string, payload json.RawMessage) (int, int, error) {
	resumed, err := r.cfg.Runner.PublishEvent(ctx, name, payload)
	if err != nil {
		return 0, 0, err
	}

	r.mu.RLock()
	subscribers := append([]string(nil), r.events[name]...)
	r.mu.RUnlock()

	started := 0
	for _, workflowID := range subscribers {
		if _, err := r.cfg.Runner.StartRun(ctx, workflowID, payload, nil, "", ""); err != nil {
			r.logger.Error("event trigger failed to start run",
				log.EventKey, name, log.WorkflowKey, workflowID, log.Error(err))
			continue
		}
		started++
	}
	if resumed > 0 || started > 0 {
		r.cfg.Metrics.TriggerFired("event")
	}
	return resumed, started, nil
}

// Resume completes a paused step by token.
func (r *Registry) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	return r.cfg.Runner.Resume(ctx, token, payload)
}
