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

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/errors"
)

// fakeOrch scripts orchestrator responses and records calls.
type fakeOrch struct {
	mu sync.Mutex

	webhookRun    *store.Run
	webhookReused bool
	webhookErr    error
	webhookPath   string
	webhookHdrs   map[string]string

	triggerRun *store.Run
	triggerErr error

	view       *engine.RunView
	inspectErr error

	// inspectGate, when set, blocks Inspect until closed.
	inspectGate chan struct{}

	runs    []*store.Run
	filter  store.RunFilter
	listErr error

	cancelledID  string
	cancelReason string
	cancelErr    error

	resumedToken string
	resumeErr    error

	eventName string
	resumed   int
	started   int
	eventErr  error
}

func (f *fakeOrch) HandleWebhook(ctx context.Context, method, path string, headers map[string]string, body []byte) (*store.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookPath = path
	f.webhookHdrs = headers
	return f.webhookRun, f.webhookReused, f.webhookErr
}

func (f *fakeOrch) Trigger(ctx context.Context, workflowID string, payload json.RawMessage) (*store.Run, error) {
	return f.triggerRun, f.triggerErr
}

func (f *fakeOrch) Inspect(ctx context.Context, runID string) (*engine.RunView, error) {
	if f.inspectGate != nil {
		<-f.inspectGate
	}
	return f.view, f.inspectErr
}

func (f *fakeOrch) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.runs, f.listErr
}

func (f *fakeOrch) CancelRun(ctx context.Context, runID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledID = runID
	f.cancelReason = reason
	return f.cancelErr
}

func (f *fakeOrch) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumedToken = token
	return f.resumeErr
}

func (f *fakeOrch) PublishEvent(ctx context.Context, name string, payload json.RawMessage) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventName = name
	return f.resumed, f.started, f.eventErr
}

func newTestServer(t *testing.T, orch *fakeOrch, cfg config.ServerConfig) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(cfg, orch, logger, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func TestWebhookRoutes(t *testing.T) {
	orch := &fakeOrch{webhookRun: &store.Run{ID: "run-1", WorkflowID: "deploy"}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/hooks/deploy", strings.NewReader(`{"ref":"main"}`))
	require.NoError(t, err)
	req.Header.Set("X-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/hooks/deploy", orch.webhookPath)
	assert.Equal(t, "s3cret", orch.webhookHdrs["X-Token"])
}

func TestWebhookReusedRunReturns200(t *testing.T) {
	orch := &fakeOrch{webhookRun: &store.Run{ID: "run-1"}, webhookReused: true}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/webhooks/hooks/deploy", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["reused"])
}

func TestWebhookErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &errors.ValidationError{Field: "headers", Message: "mismatch"}, http.StatusBadRequest},
		{"not found", &errors.NotFoundError{Resource: "webhook", ID: "POST /x"}, http.StatusNotFound},
		{"internal", errors.Store("query", io.ErrUnexpectedEOF), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrch{webhookErr: tt.err}
			srv := newTestServer(t, orch, config.ServerConfig{})

			resp, body := doJSON(t, http.MethodPost, srv.URL+"/webhooks/hooks/x", `{}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetRun(t *testing.T) {
	orch := &fakeOrch{view: &engine.RunView{
		Run:   store.Run{ID: "run-1", WorkflowID: "deploy", Status: store.RunCompleted},
		Steps: map[string]store.StepState{"a": {StepID: "a", Status: store.StepSucceeded}},
	}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/runs/run-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, "run-1", run["id"])
}

func TestGetRunNotFound(t *testing.T) {
	orch := &fakeOrch{inspectErr: &errors.NotFoundError{Resource: "run", ID: "nope"}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRunsFilter(t *testing.T) {
	orch := &fakeOrch{runs: []*store.Run{{ID: "run-1"}, {ID: "run-2"}}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/runs?workflow=deploy&status=failed&limit=10", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"], 2)
	assert.Equal(t, store.RunFilter{WorkflowID: "deploy", Status: store.RunFailed, Limit: 10}, orch.filter)
}

func TestListRunsBadLimit(t *testing.T) {
	srv := newTestServer(t, &fakeOrch{}, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/runs?limit=lots", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &fakeOrch{}, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/runs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	runs, ok := body["runs"].([]any)
	require.True(t, ok)
	assert.Empty(t, runs)
}

func TestCancelRun(t *testing.T) {
	orch := &fakeOrch{}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/runs/run-1/cancel", `{"reason":"operator request"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "run-1", orch.cancelledID)
	assert.Equal(t, "operator request", orch.cancelReason)
}

func TestCancelRunEmptyBody(t *testing.T) {
	orch := &fakeOrch{}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/runs/run-1/cancel", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, orch.cancelReason)
}

func TestManualTriggerEndpoint(t *testing.T) {
	orch := &fakeOrch{triggerRun: &store.Run{ID: "run-9", WorkflowID: "adhoc"}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/adhoc/trigger", `{"n":1}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, "run-9", run["id"])
}

func TestResumeEndpoint(t *testing.T) {
	orch := &fakeOrch{}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/resume/tok-1", `{"approved":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "tok-1", orch.resumedToken)
}

func TestResumeExpiredReturns410(t *testing.T) {
	orch := &fakeOrch{resumeErr: &errors.PauseExpiredError{Token: "tok-1"}}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/resume/tok-1", `{}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestPublishEventEndpoint(t *testing.T) {
	orch := &fakeOrch{resumed: 2, started: 1}
	srv := newTestServer(t, orch, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/events/build.done", `{"ok":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "build.done", orch.eventName)
	assert.Equal(t, float64(2), body["resumed"])
	assert.Equal(t, float64(1), body["started"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeOrch{}, config.ServerConfig{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RunStarted("deploy")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(config.ServerConfig{}, &fakeOrch{}, logger, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "loom_runs_started_total")
}

func TestConnectionCap(t *testing.T) {
	gate := make(chan struct{})
	orch := &fakeOrch{
		view:        &engine.RunView{Run: store.Run{ID: "run-1"}},
		inspectGate: gate,
	}
	srv := newTestServer(t, orch, config.ServerConfig{MaxConnections: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Get(srv.URL + "/api/runs/run-1")
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Wait until the first request occupies the only slot.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)

	close(gate)
	<-done

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
