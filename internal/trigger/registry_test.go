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

package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/statekv"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
)

// fakeRunner records run starts and persists them so idempotency lookups
// can find the original run.
type fakeRunner struct {
	store *store.Store

	mu      sync.Mutex
	n       int
	started []startCall
	resumed []string
	events  []string

	// eventWaiters is reported back from PublishEvent.
	eventWaiters int
}

type startCall struct {
	workflowID string
	payload    string
	headers    map[string]string
}

func (f *fakeRunner) StartRun(ctx context.Context, workflowID string, payload json.RawMessage, headers map[string]string, parentRunID, parentStepID string) (*store.Run, error) {
	f.mu.Lock()
	f.n++
	run := &store.Run{
		ID:             fmt.Sprintf("run-%d", f.n),
		WorkflowID:     workflowID,
		Status:         store.RunRunning,
		Payload:        payload,
		TriggerHeaders: headers,
		StartedAt:      time.Now(),
	}
	f.started = append(f.started, startCall{workflowID, string(payload), headers})
	f.mu.Unlock()

	if err := f.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (f *fakeRunner) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, token)
	return nil
}

func (f *fakeRunner) PublishEvent(ctx context.Context, name string, payload json.RawMessage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
	return f.eventWaiters, nil
}

func (f *fakeRunner) calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.started...)
}

type registryHarness struct {
	t      *testing.T
	store  *store.Store
	clk    *clock.Fake
	runner *fakeRunner
	reg    *Registry
}

func newRegistryHarness(t *testing.T, cronEnabled bool) *registryHarness {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "loom.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &fakeRunner{store: st}

	reg := NewRegistry(Config{
		Store:       st,
		KV:          statekv.NewManager(st),
		Clock:       clk,
		Runner:      runner,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		CronEnabled: cronEnabled,
	})
	return &registryHarness{t: t, store: st, clk: clk, runner: runner, reg: reg}
}

func webhookDef(id string, hook definition.WebhookTrigger) *definition.Definition {
	return &definition.Definition{
		ID:       id,
		Steps:    []definition.Step{{ID: "a", Type: definition.StepAction}},
		Triggers: []definition.Trigger{{Webhook: &hook}},
	}
}

func TestWebhookStartsRun(t *testing.T) {
	h := newRegistryHarness(t, false)
	require.NoError(t, h.reg.Register(context.Background(), webhookDef("deploy", definition.WebhookTrigger{
		Path:            "/hooks/deploy",
		Method:          "POST",
		RequiredHeaders: map[string]string{"X-Token": "s3cret"},
	})))

	run, reused, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/deploy",
		map[string]string{"X-Token": "s3cret"}, []byte(`{"ref":"main"}`))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, "deploy", run.WorkflowID)

	calls := h.runner.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"ref":"main"}`, calls[0].payload)
	assert.Equal(t, "s3cret", calls[0].headers["X-Token"])
}

func TestWebhookRequiredHeadersMismatch(t *testing.T) {
	h := newRegistryHarness(t, false)
	require.NoError(t, h.reg.Register(context.Background(), webhookDef("deploy", definition.WebhookTrigger{
		Path:            "/hooks/deploy",
		Method:          "POST",
		RequiredHeaders: map[string]string{"X-Token": "s3cret"},
	})))

	_, _, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/deploy",
		map[string]string{"X-Token": "wrong"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestWebhookUnknownRoute(t *testing.T) {
	h := newRegistryHarness(t, false)
	_, _, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/nope", nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestWebhookIdempotency(t *testing.T) {
	h := newRegistryHarness(t, false)
	require.NoError(t, h.reg.Register(context.Background(), webhookDef("deploy", definition.WebhookTrigger{
		Path:           "/hooks/deploy",
		Method:         "POST",
		IdempotencyKey: ".delivery.id",
	})))

	first, reused, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/deploy",
		nil, []byte(`{"delivery":{"id":"d-1"},"ref":"main"}`))
	require.NoError(t, err)
	assert.False(t, reused)

	// Same delivery id: the original run is returned, nothing new starts.
	second, reused, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/deploy",
		nil, []byte(`{"delivery":{"id":"d-1"},"ref":"main"}`))
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.runner.calls(), 1)

	// Different delivery id starts a fresh run.
	third, reused, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/deploy",
		nil, []byte(`{"delivery":{"id":"d-2"}}`))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCronFiresAndRearms(t *testing.T) {
	h := newRegistryHarness(t, true)
	def := &definition.Definition{
		ID:       "nightly",
		Steps:    []definition.Step{{ID: "a", Type: definition.StepAction}},
		Triggers: []definition.Trigger{{Schedule: &definition.ScheduleTrigger{Cron: "*/5 * * * *"}}},
	}
	require.NoError(t, h.reg.Register(context.Background(), def))
	require.NoError(t, h.reg.Start(context.Background()))

	assert.Empty(t, h.runner.calls())
	h.clk.Advance(5 * time.Minute)

	calls := h.runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "nightly", calls[0].workflowID)
	assert.Contains(t, calls[0].payload, "*/5 * * * *")

	h.clk.Advance(5 * time.Minute)
	assert.Len(t, h.runner.calls(), 2)

	schedules, err := h.store.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly#0", schedules[0].TriggerID)
	assert.True(t, schedules[0].NextFireAt.After(h.clk.Now()))
}

func TestCronDisabledStillPersistsSchedule(t *testing.T) {
	h := newRegistryHarness(t, false)
	def := &definition.Definition{
		ID:       "nightly",
		Steps:    []definition.Step{{ID: "a", Type: definition.StepAction}},
		Triggers: []definition.Trigger{{Schedule: &definition.ScheduleTrigger{Cron: "0 3 * * *"}}},
	}
	require.NoError(t, h.reg.Register(context.Background(), def))
	require.NoError(t, h.reg.Start(context.Background()))

	h.clk.Advance(24 * time.Hour)
	assert.Empty(t, h.runner.calls())

	schedules, err := h.store.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
}

func TestManualTrigger(t *testing.T) {
	h := newRegistryHarness(t, false)

	run, err := h.reg.Trigger(context.Background(), "adhoc", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, "adhoc", run.WorkflowID)

	calls := h.runner.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"n":1}`, calls[0].payload)
}

func TestPublishEventResumesAndStarts(t *testing.T) {
	h := newRegistryHarness(t, false)
	h.runner.eventWaiters = 2

	def := &definition.Definition{
		ID:       "onbuild",
		Steps:    []definition.Step{{ID: "a", Type: definition.StepAction}},
		Triggers: []definition.Trigger{{Event: &definition.EventTrigger{Name: "build.done"}}},
	}
	require.NoError(t, h.reg.Register(context.Background(), def))

	resumed, started, err := h.reg.PublishEvent(context.Background(), "build.done", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)
	assert.Equal(t, 1, started)
	assert.Equal(t, []string{"build.done"}, h.runner.events)

	// Unknown events still fan out to waiters but start nothing.
	resumed, started, err = h.reg.PublishEvent(context.Background(), "unrelated", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)
	assert.Zero(t, started)
}

func TestUnregisterRemovesTriggers(t *testing.T) {
	h := newRegistryHarness(t, true)
	def := &definition.Definition{
		ID:    "mixed",
		Steps: []definition.Step{{ID: "a", Type: definition.StepAction}},
		Triggers: []definition.Trigger{
			{Webhook: &definition.WebhookTrigger{Path: "/hooks/mixed", Method: "POST"}},
			{Schedule: &definition.ScheduleTrigger{Cron: "*/5 * * * *"}},
		},
	}
	require.NoError(t, h.reg.Register(context.Background(), def))
	require.NoError(t, h.reg.Start(context.Background()))

	require.NoError(t, h.reg.Unregister(context.Background(), "mixed"))

	_, _, err := h.reg.HandleWebhook(context.Background(), "POST", "/hooks/mixed", nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	h.clk.Advance(time.Hour)
	assert.Empty(t, h.runner.calls())

	schedules, err := h.store.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestResumeDelegates(t *testing.T) {
	h := newRegistryHarness(t, false)
	require.NoError(t, h.reg.Resume(context.Background(), "tok-1", nil))
	assert.Equal(t, []string{"tok-1"}, h.runner.resumed)
}
