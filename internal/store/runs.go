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
	"time"

	"github.com/loomhq/loom/pkg/errors"
)

const runColumns = `id, workflow_id, status, payload, last_output, error,
	parent_run_id, parent_step_id, trigger_headers,
	started_at, completed_at, created_at, updated_at`

// CreateRun persists a new run row.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	var headersJSON []byte
	if run.TriggerHeaders != nil {
		var err error
		headersJSON, err = json.Marshal(run.TriggerHeaders)
		if err != nil {
			return errors.Store("encode trigger headers", err)
		}
	}

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Status,
		nullString(string(run.Payload)), nullString(string(run.LastOutput)),
		nullString(run.Error), nullString(run.ParentRunID), nullString(run.ParentStepID),
		nullString(string(headersJSON)),
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return errors.Store("create run", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, errors.Store("get run", err)
	}
	return run, nil
}

// UpdateRunStatus transitions a run's status, recording the completion
// time and error message for terminal transitions.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, ts time.Time, errMsg string) error {
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(ts)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at),
			error = ?, updated_at = ?
		WHERE id = ?`,
		status, completedAt, nullString(errMsg), formatTime(ts), id,
	)
	if err != nil {
		return errors.Store("update run status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// SetRunOutput records the run's last output.
func (s *Store) SetRunOutput(ctx context.Context, id string, output json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET last_output = ?, updated_at = ? WHERE id = ?`,
		nullString(string(output)), formatTime(time.Now()), id,
	)
	if err != nil {
		return errors.Store("set run output", err)
	}
	return nil
}

// ListPendingRuns returns runs that were in flight when the process last
// stopped. Used by the recovery scan on Start.
func (s *Store) ListPendingRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?, ?)
		ORDER BY created_at`,
		RunPending, RunRunning, RunPaused,
	)
	if err != nil {
		return nil, errors.Store("list pending runs", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store("list runs", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ChildRun returns the subflow run created for a parent step, or a
// not-found error when no child exists yet.
func (s *Store) ChildRun(ctx context.Context, parentRunID, parentStepID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE parent_run_id = ? AND parent_step_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		parentRunID, parentStepID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "child run", ID: parentRunID + "/" + parentStepID}
	}
	if err != nil {
		return nil, errors.Store("get child run", err)
	}
	return run, nil
}

// PurgeRun removes a run and its dependent rows.
func (s *Store) PurgeRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return errors.Store("purge run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var payload, lastOutput, errMsg, parentRun, parentStep, headers sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.Status, &payload, &lastOutput, &errMsg,
		&parentRun, &parentStep, &headers,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		run.Payload = json.RawMessage(payload.String)
	}
	if lastOutput.Valid {
		run.LastOutput = json.RawMessage(lastOutput.String)
	}
	run.Error = errMsg.String
	run.ParentRunID = parentRun.String
	run.ParentStepID = parentStep.String
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &run.TriggerHeaders); err != nil {
			return nil, err
		}
	}
	run.StartedAt = parseTime(startedAt.String)
	run.CompletedAt = parseTimePtr(completedAt)
	run.CreatedAt = parseTime(createdAt.String)
	run.UpdatedAt = parseTime(updatedAt.String)

	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Store("scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list runs", err)
	}
	return runs, nil
}
