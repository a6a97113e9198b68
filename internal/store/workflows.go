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
	"time"

	"github.com/loomhq/loom/pkg/definition"
	"github.com/loomhq/loom/pkg/errors"
)

// PutWorkflow stores a workflow definition, replacing any previous
// registration under the same id.
func (s *Store) PutWorkflow(ctx context.Context, def *definition.Definition) error {
	data, err := def.Encode()
	if err != nil {
		return errors.Store("encode workflow", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, json, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json`,
		def.ID, string(data), formatTime(time.Now()),
	)
	if err != nil {
		return errors.Store("put workflow", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*definition.Definition, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM workflows WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, errors.Store("get workflow", err)
	}

	return definition.Decode([]byte(data))
}

// ListWorkflows returns all registered workflow definitions.
func (s *Store) ListWorkflows(ctx context.Context) ([]*definition.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json FROM workflows ORDER BY id`)
	if err != nil {
		return nil, errors.Store("list workflows", err)
	}
	defer rows.Close()

	var defs []*definition.Definition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Store("scan workflow", err)
		}
		def, err := definition.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list workflows", err)
	}
	return defs, nil
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return errors.Store("delete workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return nil
}
