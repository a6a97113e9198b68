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
	"database/sql"
	"encoding/json"

	"github.com/loomhq/loom/pkg/errors"
)

// UpsertStepState writes a step state unconditionally. Used for seeding
// and transitions already serialized by the run lock.
func (s *Store) UpsertStepState(ctx context.Context, st *StepState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_states
			(run_id, step_id, attempt, status, output, error, started_at, completed_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			attempt = excluded.attempt,
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			next_retry_at = excluded.next_retry_at`,
		st.RunID, st.StepID, st.Attempt, st.Status,
		nullString(string(st.Output)), nullString(st.Error),
		formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt), formatTimePtr(st.NextRetryAt),
	)
	if err != nil {
		return errors.Store("upsert step state", err)
	}
	return nil
}

// CompareAndSetStepState writes the new state only if the stored row still
// has the expected status and attempt. Returns false without error when
// the guard fails; outcome admission uses this to drop stale worker
// reports after a crash.
func (s *Store) CompareAndSetStepState(ctx context.Context, expectStatus StepStatus, expectAttempt int, st *StepState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_states SET
			attempt = ?, status = ?, output = ?, error = ?,
			started_at = ?, completed_at = ?, next_retry_at = ?
		WHERE run_id = ? AND step_id = ? AND status = ? AND attempt = ?`,
		st.Attempt, st.Status,
		nullString(string(st.Output)), nullString(st.Error),
		formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt), formatTimePtr(st.NextRetryAt),
		st.RunID, st.StepID, expectStatus, expectAttempt,
	)
	if err != nil {
		return false, errors.Store("compare-and-set step state", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetStepState retrieves one step state row.
func (s *Store) GetStepState(ctx context.Context, runID, stepID string) (*StepState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, attempt, status, output, error,
			started_at, completed_at, next_retry_at
		FROM step_states WHERE run_id = ? AND step_id = ?`,
		runID, stepID,
	)
	st, err := scanStepState(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
	}
	if err != nil {
		return nil, errors.Store("get step state", err)
	}
	return st, nil
}

// ListStepStates returns all step states of a run keyed by step id.
func (s *Store) ListStepStates(ctx context.Context, runID string) (map[string]*StepState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, attempt, status, output, error,
			started_at, completed_at, next_retry_at
		FROM step_states WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, errors.Store("list step states", err)
	}
	defer rows.Close()

	states := make(map[string]*StepState)
	for rows.Next() {
		st, err := scanStepState(rows)
		if err != nil {
			return nil, errors.Store("scan step state", err)
		}
		states[st.StepID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list step states", err)
	}
	return states, nil
}

func scanStepState(row scanner) (*StepState, error) {
	var st StepState
	var output, errMsg sql.NullString
	var startedAt, completedAt, nextRetryAt sql.NullString

	err := row.Scan(
		&st.RunID, &st.StepID, &st.Attempt, &st.Status, &output, &errMsg,
		&startedAt, &completedAt, &nextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	if output.Valid {
		st.Output = json.RawMessage(output.String)
	}
	st.Error = errMsg.String
	st.StartedAt = parseTimePtr(startedAt)
	st.CompletedAt = parseTimePtr(completedAt)
	st.NextRetryAt = parseTimePtr(nextRetryAt)

	return &st, nil
}
