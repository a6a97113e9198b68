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

// Package statekv exposes the durable key/value state as namespaced
// handles. Workflows get isolated namespaces, runs get scratch space
// that is purged with the run, and the engine itself uses reserved
// namespaces for step result caching and webhook deduplication.
package statekv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/errors"
)

// Reserved namespaces used by the engine itself.
const (
	nsGlobal      = "global"
	nsCache       = "cache"
	nsIdempotency = "idempotency"

	wfPrefix  = "wf:"
	runPrefix = "run:"
)

// Manager hands out namespace-scoped State views.
type Manager struct {
	store *store.Store
}

// NewManager creates a Manager over the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Global returns the shared namespace visible to all workflows.
func (m *Manager) Global() *State {
	return &State{store: m.store, namespace: nsGlobal}
}

// ForWorkflow returns the namespace private to one workflow.
func (m *Manager) ForWorkflow(workflowID string) *State {
	return &State{store: m.store, namespace: wfPrefix + workflowID}
}

// ForRun returns scratch space private to one run.
func (m *Manager) ForRun(runID string) *State {
	return &State{store: m.store, namespace: runPrefix + runID}
}

// Cache returns the step result cache namespace.
func (m *Manager) Cache() *State {
	return &State{store: m.store, namespace: nsCache}
}

// Idempotency returns the webhook deduplication namespace.
func (m *Manager) Idempotency() *State {
	return &State{store: m.store, namespace: nsIdempotency}
}

// Cleanup deletes all expired entries across every namespace, returning
// the number removed. Run periodically by the engine.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	return m.store.KVReapExpired(ctx, time.Now())
}

// PurgeRun drops a run's scratch namespace.
func (m *Manager) PurgeRun(ctx context.Context, runID string) error {
	_, err := m.store.KVClear(ctx, runPrefix+runID)
	return err
}

// State is a view of one namespace. Values are stored as JSON.
type State struct {
	store     *store.Store
	namespace string
}

// Namespace returns the namespace this view is bound to.
func (st *State) Namespace() string {
	return st.namespace
}

// Get unmarshals the value under key into out.
func (st *State) Get(ctx context.Context, key string, out any) error {
	entry, err := st.store.KVGet(ctx, st.namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return &errors.TypeMismatchError{Namespace: st.namespace, Key: key}
	}
	return nil
}

// GetRaw returns the stored JSON without decoding it.
func (st *State) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := st.store.KVGet(ctx, st.namespace, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(entry.Value), nil
}

// Set stores value under key. A ttl of zero or less means the entry
// never expires.
func (st *State) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &errors.ValidationError{Field: "value", Message: "not JSON-serializable: " + err.Error()}
	}

	var expiresAt *time.Time
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}
	return st.store.KVSet(ctx, st.namespace, key, data, expiresAt)
}

// Incr atomically adds delta to a numeric value, creating the key at
// delta when absent. Returns the new value.
func (st *State) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return st.store.KVIncr(ctx, st.namespace, key, delta)
}

// Delete removes key. Returns true when the key existed.
func (st *State) Delete(ctx context.Context, key string) (bool, error) {
	return st.store.KVDelete(ctx, st.namespace, key)
}

// Exists reports whether key holds a live value.
func (st *State) Exists(ctx context.Context, key string) (bool, error) {
	_, err := st.store.KVGet(ctx, st.namespace, key)
	if errors.IsKind(err, errors.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns the live keys matching a glob pattern. Pattern syntax
// follows doublestar, so "jobs/**" matches nested segments and "*"
// matches within one segment. An empty pattern matches everything.
func (st *State) Keys(ctx context.Context, pattern string) ([]string, error) {
	entries, err := st.store.KVScan(ctx, st.namespace)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if pattern != "" {
			ok, err := doublestar.Match(pattern, entry.Key)
			if err != nil {
				return nil, &errors.ValidationError{Field: "pattern", Message: err.Error()}
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

// MGet returns the values present among keys. Missing keys are simply
// absent from the result.
func (st *State) MGet(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		entry, err := st.store.KVGet(ctx, st.namespace, key)
		if errors.IsKind(err, errors.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(entry.Value)
	}
	return out, nil
}

// MSet stores multiple values with a shared ttl.
func (st *State) MSet(ctx context.Context, values map[string]any, ttl time.Duration) error {
	for key, value := range values {
		if err := st.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every key in the namespace, returning the count removed.
func (st *State) Clear(ctx context.Context) (int64, error) {
	return st.store.KVClear(ctx, st.namespace)
}

// Stats summarizes a namespace.
type Stats struct {
	Namespace string `json:"namespace"`
	Count     int    `json:"count"`
}

// Stats returns the live entry count for the namespace.
func (st *State) Stats(ctx context.Context) (Stats, error) {
	entries, err := st.store.KVScan(ctx, st.namespace)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Namespace: st.namespace, Count: len(entries)}, nil
}
