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
	"strconv"
	"time"

	"github.com/loomhq/loom/pkg/errors"
)

// KVGet retrieves a value. Expired entries are treated as missing and
// deleted lazily.
func (s *Store) KVGet(ctx context.Context, namespace, key string) (*StateEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, created_at, expires_at
		FROM state_kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	entry, err := scanStateEntry(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "state key", ID: namespace + "/" + key}
	}
	if err != nil {
		return nil, errors.Store("get state", err)
	}

	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM state_kv WHERE namespace = ? AND key = ?`, namespace, key)
		return nil, &errors.NotFoundError{Resource: "state key", ID: namespace + "/" + key}
	}
	return entry, nil
}

// KVSet writes a value, replacing any existing entry. A nil expiresAt
// means the entry never expires.
func (s *Store) KVSet(ctx context.Context, namespace, key string, value []byte, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_kv (namespace, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		namespace, key, value, formatTime(time.Now()), formatTimePtr(expiresAt),
	)
	if err != nil {
		return errors.Store("set state", err)
	}
	return nil
}

// KVDelete removes an entry. Returns true when a row was deleted.
func (s *Store) KVDelete(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM state_kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, errors.Store("delete state", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// KVIncr atomically adds delta to a numeric value, creating the key at
// delta when absent. Non-numeric existing values yield a type mismatch.
func (s *Store) KVIncr(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Store("incr state", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	var expiresAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT value, expires_at FROM state_kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&current, &expiresAt)

	value := int64(0)
	switch {
	case err == sql.ErrNoRows:
		// key absent, starts at zero
	case err != nil:
		return 0, errors.Store("incr state", err)
	default:
		if exp := parseTimePtr(expiresAt); exp != nil && !exp.After(time.Now()) {
			// expired, treat as absent
		} else if current.Valid && current.String != "" {
			value, err = strconv.ParseInt(current.String, 10, 64)
			if err != nil {
				return 0, &errors.TypeMismatchError{Namespace: namespace, Key: key}
			}
		}
	}

	value += delta
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_kv (namespace, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = NULL`,
		namespace, key, []byte(strconv.FormatInt(value, 10)), formatTime(time.Now()),
	)
	if err != nil {
		return 0, errors.Store("incr state", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Store("incr state", err)
	}
	return value, nil
}

// KVScan returns all live entries in a namespace ordered by key. The
// caller applies any pattern filtering.
func (s *Store) KVScan(ctx context.Context, namespace string) ([]*StateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, value, created_at, expires_at
		FROM state_kv WHERE namespace = ?
		ORDER BY key`, namespace)
	if err != nil {
		return nil, errors.Store("scan state", err)
	}
	defer rows.Close()

	now := time.Now()
	var entries []*StateEntry
	for rows.Next() {
		entry, err := scanStateEntry(rows)
		if err != nil {
			return nil, errors.Store("scan state", err)
		}
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("scan state", err)
	}
	return entries, nil
}

// KVReapExpired deletes entries whose expiry passed, returning the
// number removed.
func (s *Store) KVReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM state_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(now))
	if err != nil {
		return 0, errors.Store("reap expired state", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// KVClear deletes every entry in a namespace, returning the number
// removed.
func (s *Store) KVClear(ctx context.Context, namespace string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state_kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, errors.Store("clear state", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanStateEntry(row scanner) (*StateEntry, error) {
	var entry StateEntry
	var createdAt string
	var expiresAt sql.NullString

	err := row.Scan(&entry.Namespace, &entry.Key, &entry.Value, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	entry.CreatedAt = parseTime(createdAt)
	entry.ExpiresAt = parseTimePtr(expiresAt)
	return &entry, nil
}
