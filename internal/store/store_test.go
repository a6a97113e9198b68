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
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "loom.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	def := &definition.Definition{
		ID:   "deploy",
		Name: "Deploy",
		Steps: []definition.Step{
			{ID: "build", Type: definition.StepAction},
			{ID: "release", Type: definition.StepAction},
		},
	}
	require.NoError(t, s.PutWorkflow(ctx, def))

	got, err := s.GetWorkflow(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.ID)
	assert.Len(t, got.Steps, 2)

	defs, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	// Re-register overwrites.
	def.Name = "Deploy v2"
	require.NoError(t, s.PutWorkflow(ctx, def))
	got, err = s.GetWorkflow(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy v2", got.Name)

	require.NoError(t, s.DeleteWorkflow(ctx, "deploy"))
	_, err = s.GetWorkflow(ctx, "deploy")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:         "run-1",
		WorkflowID: "deploy",
		Status:     RunPending,
		Payload:    json.RawMessage(`{"env":"prod"}`),
		TriggerHeaders: map[string]string{
			"X-Request-ID": "abc",
		},
		StartedAt: time.Now(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, got.Status)
	assert.JSONEq(t, `{"env":"prod"}`, string(got.Payload))
	assert.Equal(t, "abc", got.TriggerHeaders["X-Request-ID"])
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", RunRunning, time.Now(), ""))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", RunFailed, time.Now(), "step build failed"))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Equal(t, "step build failed", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRunStatusMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateRunStatus(context.Background(), "nope", RunRunning, time.Now(), "")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestListPendingRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(id string, status RunStatus) {
		require.NoError(t, s.CreateRun(ctx, &Run{ID: id, WorkflowID: "wf", Status: status, StartedAt: time.Now()}))
	}
	mk("r1", RunRunning)
	mk("r2", RunCompleted)
	mk("r3", RunPaused)
	mk("r4", RunPending)

	pending, err := s.ListPendingRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"r1", "r3", "r4"}, ids)
}

func TestListRunsFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, wf := range []string{"a", "a", "b"} {
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID: "run-" + string(rune('0'+i)), WorkflowID: wf, Status: RunCompleted, StartedAt: time.Now(),
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: "a"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStepStateCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", WorkflowID: "wf", Status: RunRunning, StartedAt: time.Now()}))
	require.NoError(t, s.UpsertStepState(ctx, &StepState{
		RunID: "run-1", StepID: "build", Attempt: 1, Status: StepRunning,
	}))

	// Matching guard succeeds.
	ok, err := s.CompareAndSetStepState(ctx, StepRunning, 1, &StepState{
		RunID: "run-1", StepID: "build", Attempt: 1, Status: StepSucceeded,
		Output: json.RawMessage(`{"artifact":"v1"}`),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale guard is rejected without error.
	ok, err = s.CompareAndSetStepState(ctx, StepRunning, 1, &StepState{
		RunID: "run-1", StepID: "build", Attempt: 1, Status: StepFailed,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.GetStepState(ctx, "run-1", "build")
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, st.Status)
	assert.JSONEq(t, `{"artifact":"v1"}`, string(st.Output))
}

func TestStepStatesCascadeOnPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", WorkflowID: "wf", Status: RunRunning, StartedAt: time.Now()}))
	require.NoError(t, s.UpsertStepState(ctx, &StepState{RunID: "run-1", StepID: "build", Status: StepPending}))

	require.NoError(t, s.PurgeRun(ctx, "run-1"))

	_, err := s.GetStepState(ctx, "run-1", "build")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestPauseRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", WorkflowID: "wf", Status: RunPaused, StartedAt: time.Now()}))

	expires := time.Now().Add(time.Hour)
	p := &Pause{
		Token: "tok-1", RunID: "run-1", StepID: "approve",
		Kind: PauseHuman, Metadata: json.RawMessage(`{"approver":"ops"}`),
		CreatedAt: time.Now(), ExpiresAt: &expires,
	}
	require.NoError(t, s.CreatePause(ctx, p))

	got, err := s.GetPause(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, PauseHuman, got.Kind)
	assert.JSONEq(t, `{"approver":"ops"}`, string(got.Metadata))
	require.NotNil(t, got.ExpiresAt)

	deleted, err := s.DeletePause(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Second delete reports nothing removed.
	deleted, err = s.DeletePause(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListPausesByEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", WorkflowID: "wf", Status: RunPaused, StartedAt: time.Now()}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r2", WorkflowID: "wf", Status: RunPaused, StartedAt: time.Now()}))

	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "t1", RunID: "r1", StepID: "wait", Kind: PauseEvent, EventName: "deployed", CreatedAt: time.Now()}))
	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "t2", RunID: "r2", StepID: "wait", Kind: PauseEvent, EventName: "deployed", CreatedAt: time.Now()}))
	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "t3", RunID: "r2", StepID: "other", Kind: PauseEvent, EventName: "rollback", CreatedAt: time.Now()}))

	pauses, err := s.ListPausesByEvent(ctx, "deployed")
	require.NoError(t, err)
	assert.Len(t, pauses, 2)

	byRun, err := s.ListPausesByRun(ctx, "r2")
	require.NoError(t, err)
	assert.Len(t, byRun, 2)
}

func TestListExpiredPauses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", WorkflowID: "wf", Status: RunPaused, StartedAt: time.Now()}))

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "old", RunID: "r1", StepID: "a", Kind: PauseHuman, CreatedAt: time.Now(), ExpiresAt: &past}))
	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "new", RunID: "r1", StepID: "b", Kind: PauseHuman, CreatedAt: time.Now(), ExpiresAt: &future}))
	require.NoError(t, s.CreatePause(ctx, &Pause{Token: "forever", RunID: "r1", StepID: "c", Kind: PauseHuman, CreatedAt: time.Now()}))

	expired, err := s.ListExpiredPauses(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Token)
}

func TestKVSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.KVSet(ctx, "global", "greeting", []byte(`"hello"`), nil))

	entry, err := s.KVGet(ctx, "global", "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"hello"`), entry.Value)
	assert.Nil(t, entry.ExpiresAt)

	deleted, err := s.KVDelete(ctx, "global", "greeting")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.KVGet(ctx, "global", "greeting")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestKVExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	require.NoError(t, s.KVSet(ctx, "global", "stale", []byte(`1`), &past))

	_, err := s.KVGet(ctx, "global", "stale")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// Lazy delete removed the row, so reap finds nothing more.
	require.NoError(t, s.KVSet(ctx, "global", "stale2", []byte(`1`), &past))
	n, err := s.KVReapExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestKVIncr(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.KVIncr(ctx, "global", "counter", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = s.KVIncr(ctx, "global", "counter", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 6, v)

	v, err = s.KVIncr(ctx, "global", "counter", -2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)
}

func TestKVIncrTypeMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.KVSet(ctx, "global", "name", []byte(`"loom"`), nil))

	_, err := s.KVIncr(ctx, "global", "name", 1)
	assert.True(t, errors.IsKind(err, errors.KindTypeMismatch))
}

func TestKVScanAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.KVSet(ctx, "wf:deploy", "a", []byte(`1`), nil))
	require.NoError(t, s.KVSet(ctx, "wf:deploy", "b", []byte(`2`), nil))
	require.NoError(t, s.KVSet(ctx, "global", "c", []byte(`3`), nil))

	entries, err := s.KVScan(ctx, "wf:deploy")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	n, err := s.KVClear(ctx, "wf:deploy")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	entries, err = s.KVScan(ctx, "wf:deploy")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Other namespaces untouched.
	_, err = s.KVGet(ctx, "global", "c")
	require.NoError(t, err)
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute).Truncate(time.Second).UTC()
	require.NoError(t, s.UpsertSchedule(ctx, &Schedule{
		TriggerID: "deploy/cron/0", WorkflowID: "deploy", Cron: "*/5 * * * *", NextFireAt: next,
	}))

	schedules, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "deploy", schedules[0].WorkflowID)
	assert.True(t, schedules[0].NextFireAt.Equal(next))

	later := next.Add(5 * time.Minute)
	require.NoError(t, s.UpdateScheduleNextFire(ctx, "deploy/cron/0", later))
	schedules, err = s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.True(t, schedules[0].NextFireAt.Equal(later))

	require.NoError(t, s.DeleteSchedulesForWorkflow(ctx, "deploy"))
	schedules, err = s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}
