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

// CreatePause persists a pause record.
func (s *Store) CreatePause(ctx context.Context, p *Pause) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pauses (token, run_id, step_id, kind, event_name, metadata, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Token, p.RunID, p.StepID, p.Kind,
		nullString(p.EventName), nullString(string(p.Metadata)),
		formatTime(p.CreatedAt), formatTimePtr(p.ExpiresAt),
	)
	if err != nil {
		return errors.Store("create pause", err)
	}
	return nil
}

// GetPause retrieves a pause by token.
func (s *Store) GetPause(ctx context.Context, token string) (*Pause, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, run_id, step_id, kind, event_name, metadata, created_at, expires_at
		FROM pauses WHERE token = ?`, token)
	p, err := scanPause(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pause", ID: token}
	}
	if err != nil {
		return nil, errors.Store("get pause", err)
	}
	return p, nil
}

// DeletePause removes a pause. Returns true when a row was deleted;
// idempotent resume relies on the second delete reporting false.
func (s *Store) DeletePause(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pauses WHERE token = ?`, token)
	if err != nil {
		return false, errors.Store("delete pause", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListPausesByEvent returns all pauses waiting on the given event name.
func (s *Store) ListPausesByEvent(ctx context.Context, eventName string) ([]*Pause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, step_id, kind, event_name, metadata, created_at, expires_at
		FROM pauses WHERE event_name = ? ORDER BY created_at`, eventName)
	if err != nil {
		return nil, errors.Store("list pauses by event", err)
	}
	defer rows.Close()
	return collectPauses(rows)
}

// ListPausesByRun returns all pauses belonging to a run.
func (s *Store) ListPausesByRun(ctx context.Context, runID string) ([]*Pause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, step_id, kind, event_name, metadata, created_at, expires_at
		FROM pauses WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, errors.Store("list pauses by run", err)
	}
	defer rows.Close()
	return collectPauses(rows)
}

// ListExpiredPauses returns pauses whose deadline passed before now.
func (s *Store) ListExpiredPauses(ctx context.Context, now time.Time) ([]*Pause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, step_id, kind, event_name, metadata, created_at, expires_at
		FROM pauses WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now))
	if err != nil {
		return nil, errors.Store("list expired pauses", err)
	}
	defer rows.Close()
	return collectPauses(rows)
}

func scanPause(row scanner) (*Pause, error) {
	var p Pause
	var eventName, metadata sql.NullString
	var createdAt, expiresAt sql.NullString

	err := row.Scan(&p.Token, &p.RunID, &p.StepID, &p.Kind, &eventName, &metadata, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	p.EventName = eventName.String
	if metadata.Valid {
		p.Metadata = json.RawMessage(metadata.String)
	}
	p.CreatedAt = parseTime(createdAt.String)
	p.ExpiresAt = parseTimePtr(expiresAt)

	return &p, nil
}

func collectPauses(rows *sql.Rows) ([]*Pause, error) {
	var pauses []*Pause
	for rows.Next() {
		p, err := scanPause(rows)
		if err != nil {
			return nil, errors.Store("scan pause", err)
		}
		pauses = append(pauses, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list pauses", err)
	}
	return pauses, nil
}
