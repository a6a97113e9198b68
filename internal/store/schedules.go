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
	"time"

	"github.com/loomhq/loom/pkg/errors"
)

// UpsertSchedule records a cron trigger's next fire time.
func (s *Store) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (trigger_id, workflow_id, cron, next_fire_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			cron = excluded.cron,
			next_fire_at = excluded.next_fire_at`,
		sched.TriggerID, sched.WorkflowID, sched.Cron, formatTime(sched.NextFireAt),
	)
	if err != nil {
		return errors.Store("upsert schedule", err)
	}
	return nil
}

// ListSchedules returns all persisted cron schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, workflow_id, cron, next_fire_at
		FROM schedules ORDER BY trigger_id`)
	if err != nil {
		return nil, errors.Store("list schedules", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var sched Schedule
		var nextFire string
		if err := rows.Scan(&sched.TriggerID, &sched.WorkflowID, &sched.Cron, &nextFire); err != nil {
			return nil, errors.Store("scan schedule", err)
		}
		sched.NextFireAt = parseTime(nextFire)
		schedules = append(schedules, &sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list schedules", err)
	}
	return schedules, nil
}

// UpdateScheduleNextFire advances a schedule's next fire time.
func (s *Store) UpdateScheduleNextFire(ctx context.Context, triggerID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_fire_at = ? WHERE trigger_id = ?`,
		formatTime(next), triggerID,
	)
	if err != nil {
		return errors.Store("update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: triggerID}
	}
	return nil
}

// DeleteSchedulesForWorkflow removes all schedules belonging to a
// workflow, used when the workflow is re-registered or removed.
func (s *Store) DeleteSchedulesForWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return errors.Store("delete schedules", err)
	}
	return nil
}
